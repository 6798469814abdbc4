package schema

import "time"

// Recording is an ordered list of steps plus identity metadata.
type Recording struct {
	ID        RecordingID `json:"id" yaml:"id"`
	Title     string      `json:"title" yaml:"title"`
	CreatedAt time.Time   `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	Steps     []Step      `json:"steps" yaml:"steps"`
}

// RecordingSummary is the listing view of a recording.
type RecordingSummary struct {
	ID        RecordingID `json:"id"`
	Title     string      `json:"title"`
	CreatedAt time.Time   `json:"createdAt,omitempty"`
	Steps     int         `json:"steps"`
}

// Summary returns the listing view of r.
func (r Recording) Summary() RecordingSummary {
	return RecordingSummary{
		ID:        r.ID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		Steps:     len(r.Steps),
	}
}
