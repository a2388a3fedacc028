// Package store persists templates and runs.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrTemplateNotFound = errors.New("template not found")
	// ErrTemplateConflict is returned when an id@version is saved again with a
	// different definition. Template versions are immutable.
	ErrTemplateConflict = errors.New("template version already exists with a different definition")
)

// DefaultListLimit applies when a list call passes limit <= 0.
const DefaultListLimit = 50

// TemplateRef splits "id" or "id@version".
func TemplateRef(ref string) (id, version string) {
	id, version, _ = strings.Cut(strings.TrimSpace(ref), "@")
	return id, version
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
