package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

// Overlay applies environment overrides on top of values that were already
// populated from defaults or a config file. Unset variables leave the
// destination untouched. Parse failures are collected and reported by Err.
type Overlay struct {
	errs []error
}

func (o *Overlay) String(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (o *Overlay) Duration(dst *time.Duration, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = d
}

func (o *Overlay) Bool(dst *bool, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = b
}

func (o *Overlay) Int(dst *int, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = i
}

func (o *Overlay) Float(dst *float64, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("parse %s: %w", key, err))
		return
	}
	*dst = f
}

// List splits a comma separated value, dropping empty entries.
func (o *Overlay) List(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	out := make([]string, 0, 4)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (o *Overlay) Err() error {
	return errors.Join(o.errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}
