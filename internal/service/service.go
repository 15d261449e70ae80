// Package service holds what the domain services share: the bad-request
// error type and list paging.
package service

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation failed")

// ValidationError is a rejected request. Code is the stable API error code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Page is one slice of a listing together with the unpaged total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// Paging normalizes skip and limit: skip >= 0, limit within [1, MaxLimit],
// and DefaultLimit when unset.
func Paging(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return skip, limit
}
