package provider

import (
	"context"
	"strings"
	"time"
)

// Echo is an offline provider that answers with the prompt itself. It is
// used for dry runs and tests.
type Echo struct {
	// Prefix is prepended to every answer.
	Prefix string
	// Delay simulates backend latency. It honours ctx.
	Delay time.Duration
}

func (e *Echo) Generate(ctx context.Context, prompt, model string) (string, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out := strings.TrimSpace(prompt)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return e.Prefix + out, nil
}
