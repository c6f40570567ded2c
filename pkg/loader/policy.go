package loader

import (
	"fmt"
	"strings"
)

// RejectPolicy determines what happens when staged rows fail to parse
// against the resolved schema.
type RejectPolicy int

const (
	// RejectStrict aborts the load on the first rejected row.
	RejectStrict RejectPolicy = iota
	// RejectLenient loads the accepted rows and reports the rejected count.
	RejectLenient
	// RejectQuarantine is lenient and also writes rejected rows next to the
	// staged object.
	RejectQuarantine
)

func (p RejectPolicy) String() string {
	switch p {
	case RejectStrict:
		return "strict"
	case RejectLenient:
		return "lenient"
	case RejectQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// ParseRejectPolicy parses a policy name. The empty string is strict.
func ParseRejectPolicy(s string) (RejectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return RejectStrict, nil
	case "lenient", "skip":
		return RejectLenient, nil
	case "quarantine":
		return RejectQuarantine, nil
	}
	return RejectStrict, fmt.Errorf("unknown reject policy %q", s)
}

// Rejection records one row that could not be loaded.
type Rejection struct {
	Line   int    `json:"line"`
	Column string `json:"column,omitempty"`
	Reason string `json:"reason"`
}

func (r Rejection) String() string {
	if r.Column != "" {
		return fmt.Sprintf("line %d, column %q: %s", r.Line, r.Column, r.Reason)
	}
	return fmt.Sprintf("line %d: %s", r.Line, r.Reason)
}
