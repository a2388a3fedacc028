// Package provider defines the generation backend contract and its
// implementations.
//
// Errors returned by a Provider fall into two classes. Errors wrapped with
// Unavailable mean the backend or model could not serve the request
// (transport failure, rate limit, overload, unknown model) and the caller may
// try its next model preference. Every other error is a content or
// validation failure and is final for the step.
package provider

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/mattjoyce/quill/internal/provider Provider

// Provider generates text for a rendered prompt. An empty model selects the
// backend default. Implementations must be safe for concurrent use and must
// return promptly when ctx is done.
type Provider interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

var (
	// ErrUnavailable is matched by every error wrapped with Unavailable.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrEmptyOutput is a content error: the backend answered with nothing.
	ErrEmptyOutput = errors.New("provider returned empty output")
)

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string { return fmt.Sprintf("%v: %v", ErrUnavailable, e.err) }
func (e *unavailableError) Unwrap() error { return e.err }
func (e *unavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable marks err as provider-unavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return err
	}
	return &unavailableError{err: err}
}

// IsUnavailable reports whether err is eligible for model fallthrough.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, prompt, model string) (string, error)

func (f Func) Generate(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}
