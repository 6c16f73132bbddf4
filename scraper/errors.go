package scraper

import (
	"errors"
	"fmt"
	"strings"

	"inspire-scraper/models"
)

var (
	// ErrInvalidTransition is returned when a step is not allowed from the current state
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSessionClosed is returned by every step after Shutdown
	ErrSessionClosed = errors.New("session is closed")
)

// Step names one navigation transition
type Step string

const (
	StepInitialize      Step = "initialize"
	StepSelectMode      Step = "select_mode"
	StepSelectRegion    Step = "select_region"
	StepSelectSubregion Step = "select_subregion"
	StepSubmitLeaf      Step = "submit_leaf"
)

// StepError reports a failed transition with the selections it was made from
type StepError struct {
	Step    Step
	Context models.NavigationContext
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IncompleteTokenUpdateError is returned when a response did not carry all view-state tokens
type IncompleteTokenUpdateError struct {
	Missing []string
}

func (e *IncompleteTokenUpdateError) Error() string {
	return fmt.Sprintf("incomplete token update, missing %s", strings.Join(e.Missing, ", "))
}

// RemoteError is a failure reported inside a well-formed postback response
type RemoteError struct {
	Message  string
	Redirect string
}

func (e *RemoteError) Error() string {
	if e.Redirect != "" {
		return fmt.Sprintf("server redirected to %s", e.Redirect)
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

// IsIncompleteTokenUpdate reports whether err was caused by a rejected token replace
func IsIncompleteTokenUpdate(err error) bool {
	var incomplete *IncompleteTokenUpdateError
	return errors.As(err, &incomplete)
}
