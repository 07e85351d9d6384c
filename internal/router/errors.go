package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRouteExhausted = errors.New("route exhausted")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrUnknownRoute   = errors.New("unknown route")
	ErrCoolingDown    = errors.New("model cooling down after failure")
)

// Attempt is one candidate the router considered for a call.
type Attempt struct {
	Model string
	Err   error
}

// ExhaustedError reports every candidate of a route and why it was not used.
// It matches ErrRouteExhausted with errors.Is.
type ExhaustedError struct {
	Route    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Model, a.Err))
	}
	return fmt.Sprintf("route %q exhausted (%s)", e.Route, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrRouteExhausted }

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
