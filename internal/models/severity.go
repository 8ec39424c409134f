package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the ordered crisis-urgency level that drives every gating decision.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

// String returns the lowercase name of the severity
func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

// ParseSeverity parses a severity name (case-insensitive).
func ParseSeverity(value string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", value)
}

// MarshalJSON encodes the severity as its name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the severity name or its ordinal
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseSeverity(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var ordinal int
	if err := json.Unmarshal(data, &ordinal); err != nil {
		return fmt.Errorf("invalid severity: %s", string(data))
	}
	if ordinal < int(SeverityNone) || ordinal > int(SeverityCritical) {
		return fmt.Errorf("severity out of range: %d", ordinal)
	}
	*s = Severity(ordinal)
	return nil
}
