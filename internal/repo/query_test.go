package repo

import (
	"errors"
	"testing"
)

func TestParseResultFilters(t *testing.T) {
	got, err := ParseResultFilters(`{"input_text": "hello", "id": ["a", "b"], "expected_output": 4}`)
	if err != nil {
		t.Fatalf("ParseResultFilters() err=%v", err)
	}
	if len(got) != 3 {
		t.Fatalf("filters=%+v", got)
	}
	// sorted by field name
	if got[0].Field != "expected_output" || got[0].Values[0] != "4" {
		t.Fatalf("filters[0]=%+v", got[0])
	}
	if got[1].Field != "id" || len(got[1].Values) != 2 {
		t.Fatalf("filters[1]=%+v", got[1])
	}
	if got[2].Field != "input_text" || got[2].Values[0] != "hello" {
		t.Fatalf("filters[2]=%+v", got[2])
	}
}

func TestParseResultFilters_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{input_text`},
		{name: "unknown field", raw: `{"metrics": 1}`},
		{name: "nested value", raw: `{"input_text": {"x": 1}}`},
		{name: "garbage timestamp", raw: `{"created_at": "yesterday"}`},
		{name: "numeric timestamp", raw: `{"created_at": 1700000000}`},
		{name: "garbage timestamp in list", raw: `{"created_at": ["2024-05-01T10:00:00Z", "soon"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResultFilters(tt.raw)
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("err=%v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestParseResultFilters_Timestamps(t *testing.T) {
	got, err := ParseResultFilters(`{"created_at": ["2024-05-01T10:00:00Z", "2024-05-01T10:00:00.123456+02:00"]}`)
	if err != nil {
		t.Fatalf("ParseResultFilters() err=%v", err)
	}
	if len(got) != 1 || len(got[0].Values) != 2 {
		t.Fatalf("filters=%+v", got)
	}

	_, err = ResultQuery{Filters: []FieldFilter{{Field: "created_at", Values: []string{"not-a-time"}}}}.Normalize()
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("Normalize() err=%v, want ErrInvalidQuery", err)
	}
}

func TestResultQueryNormalize(t *testing.T) {
	q, err := ResultQuery{RunID: "r1", Skip: -3}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() err=%v", err)
	}
	if q.SortBy != "created_at" || q.SortOrder != SortAsc || q.Skip != 0 {
		t.Fatalf("q=%+v", q)
	}

	if _, err := (ResultQuery{SortBy: "metrics"}).Normalize(); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid sort, got %v", err)
	}
	if _, err := (ResultQuery{SortOrder: "sideways"}).Normalize(); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid sort order, got %v", err)
	}
	if _, err := (ResultQuery{Filters: []FieldFilter{{Field: "run_id"}}}).Normalize(); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFound("run", "a", "b")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is(ErrNotFound)")
	}
	if err.Error() != "runs not found: a, b" {
		t.Fatalf("message=%q", err.Error())
	}
	if NotFound("run", "a").Error() != "run a not found" {
		t.Fatalf("single message=%q", NotFound("run", "a").Error())
	}
}
