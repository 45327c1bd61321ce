package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNegativeDuration is wrapped by FieldError for values below zero.
var ErrNegativeDuration = errors.New("must not be negative")

// FieldError names the config key a bad value came from.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a duration setting at path. Empty means 0. A bare
// integer is read as seconds, so "30" and "30s" agree.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, &FieldError{Path: path, Value: raw, Err: errors.New("is not a duration (want e.g. 30s, 5m, 1h)")}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Value: raw, Err: ErrNegativeDuration}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
