package asyncop

import (
	"strings"
	"time"
)

// Recognised execution option keys.
const (
	// OptScheduled marks a non-interactive run; user-facing failures are not
	// returned to the caller.
	OptScheduled = "scheduled"
	// OptSynchronous forces every follow-on step to run inline.
	OptSynchronous = "synchronous"
	// OptForce re-sends a request even when objects were already reconciled.
	OptForce = "force"
	// OptDelay holds an initial dispatch delay such as "30s".
	OptDelay = "delay"
)

// Options are execution flags. Unknown keys are preserved and inherited by
// split and spread children.
type Options map[string]any

// Bool reads a boolean flag, accepting bools and "true"/"1"/"yes" strings.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true
		}
	case int:
		return t != 0
	case float64:
		return t != 0
	}
	return false
}

// Duration reads a duration flag stored as time.Duration, string or seconds.
func (o Options) Duration(key string) time.Duration {
	v, ok := o[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(t) * time.Second
	case float64:
		return time.Duration(t * float64(time.Second))
	}
	return 0
}

// With returns a copy of o with key set to value.
func (o Options) With(key string, value any) Options {
	out := o.Clone()
	if out == nil {
		out = Options{}
	}
	out[key] = value
	return out
}

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
