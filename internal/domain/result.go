package domain

import (
	"errors"
	"strings"
	"time"
)

// Result is a single evaluated item of a run. Only Metrics and Metadata may
// change after creation.
type Result struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	InputText      string    `json:"input_text"`
	OutputText     string    `json:"output_text"`
	ExpectedOutput *string   `json:"expected_output"`
	Metrics        Metadata  `json:"metrics"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r Result) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	return nil
}

// ExpectedOrEmpty returns the expected output or an empty string.
func (r Result) ExpectedOrEmpty() string {
	if r.ExpectedOutput == nil {
		return ""
	}
	return *r.ExpectedOutput
}
