package core

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidName    = errors.New("invalid task name")
	ErrNoTrigger      = errors.New("task has no schedule")
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// MaxNameLength bounds task and bot names.
const MaxNameLength = 50

// Names double as scheduler keys and script file names, so they stay filesystem safe.
var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)

// ValidName reports whether name is an acceptable task or bot name.
func ValidName(name string) bool {
	return name != "" && len(name) <= MaxNameLength && namePattern.MatchString(name)
}

// ValidateName returns ErrInvalidName wrapped with the offending value.
func ValidateName(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
