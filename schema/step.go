package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SelectorGroup is one fallback group of locator strings. A group may be
// written as a single string or as an array of strings.
type SelectorGroup []string

// UnmarshalJSON accepts both "sel" and ["sel", ...].
func (g *SelectorGroup) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*g = SelectorGroup{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("selector group: %w", err)
	}
	*g = SelectorGroup(list)
	return nil
}

// AssertedEvent is an expectation recorded alongside a step.
type AssertedEvent struct {
	Type  string `json:"type" yaml:"type"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Step is one recorded interaction. Type selects which of the optional
// fields are meaningful.
type Step struct {
	Type      StepType        `json:"type" yaml:"type"`
	Target    string          `json:"target,omitempty" yaml:"target,omitempty"`
	Selectors []SelectorGroup `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Frame     []int           `json:"frame,omitempty" yaml:"frame,omitempty"`

	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
	OffsetX   *float64 `json:"offsetX,omitempty" yaml:"offsetX,omitempty"`
	OffsetY   *float64 `json:"offsetY,omitempty" yaml:"offsetY,omitempty"`
	Button    string   `json:"button,omitempty" yaml:"button,omitempty"`
	Value     string   `json:"value,omitempty" yaml:"value,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Key       string   `json:"key,omitempty" yaml:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`

	X float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y float64 `json:"y,omitempty" yaml:"y,omitempty"`

	// Timeout and Duration are milliseconds.
	Timeout  int64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Duration int64 `json:"duration,omitempty" yaml:"duration,omitempty"`

	VariableName string `json:"variableName,omitempty" yaml:"variableName,omitempty"`

	Width             int64   `json:"width,omitempty" yaml:"width,omitempty"`
	Height            int64   `json:"height,omitempty" yaml:"height,omitempty"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor,omitempty" yaml:"deviceScaleFactor,omitempty"`
	IsMobile          bool    `json:"isMobile,omitempty" yaml:"isMobile,omitempty"`
	HasTouch          bool    `json:"hasTouch,omitempty" yaml:"hasTouch,omitempty"`
	IsLandscape       bool    `json:"isLandscape,omitempty" yaml:"isLandscape,omitempty"`

	AssertedEvents []AssertedEvent `json:"assertedEvents,omitempty" yaml:"assertedEvents,omitempty"`
}

// IsNavigation reports whether the step is expected to trigger a navigation.
func (s Step) IsNavigation() bool {
	for _, ev := range s.AssertedEvents {
		if ev.Type == "navigation" {
			return true
		}
	}
	return false
}

// HasSelectors reports whether the step carries at least one locator.
func (s Step) HasSelectors() bool {
	for _, group := range s.Selectors {
		for _, sel := range group {
			if strings.TrimSpace(sel) != "" {
				return true
			}
		}
	}
	return false
}

// Candidates flattens the selector groups into the order they are tried.
func (s Step) Candidates() []string {
	var out []string
	for _, group := range s.Selectors {
		for _, sel := range group {
			if strings.TrimSpace(sel) == "" {
				continue
			}
			out = append(out, sel)
		}
	}
	return out
}

// Describe returns a short human readable summary used in progress events.
func (s Step) Describe() string {
	switch s.Type {
	case StepNavigate:
		return "navigate to " + s.URL
	case StepWait:
		return fmt.Sprintf("wait %dms", s.Duration)
	case StepKeyDown, StepKeyUp:
		return fmt.Sprintf("%s %s", s.Type, s.Key)
	case StepChange, StepSelectOption:
		if c := s.Candidates(); len(c) > 0 {
			return fmt.Sprintf("%s %s = %q", s.Type, c[0], s.Value)
		}
		return fmt.Sprintf("%s = %q", s.Type, s.Value)
	case StepSetViewport:
		return fmt.Sprintf("viewport %dx%d", s.Width, s.Height)
	case StepCopy, StepPaste, StepSaveVariable, StepPasteVariable:
		if s.VariableName != "" {
			return fmt.Sprintf("%s %s", s.Type, s.VariableName)
		}
	}
	if c := s.Candidates(); len(c) > 0 {
		return fmt.Sprintf("%s %s", s.Type, c[0])
	}
	return string(s.Type)
}
