package schema

import "strings"

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	if !validIdent(string(userID)) {
		return ErrInvalidUser
	}
	return nil
}

// NormalizeRecordingID trims and validates a recording id. Recording ids
// double as file names, so they are restricted to [A-Za-z0-9._-] and may not
// start with a dot.
func NormalizeRecordingID(raw string) (RecordingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, ".") {
		return "", ErrInvalidRequest
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return "", ErrInvalidRequest
		}
	}
	return RecordingID(trimmed), nil
}

func validIdent(raw string) bool {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return false
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
