package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether policy evaluation fails open or closed when an error occurs.
type Mode string

const (
	// ModeFailClosed aborts the batch when evaluation fails.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets the batch continue when evaluation fails.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant. An empty
// value selects fail-closed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// ErrEvaluation marks a policy that could not be evaluated.
var ErrEvaluation = errors.New("policy evaluation failed")
