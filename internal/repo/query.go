package repo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/evalhub/internal/domain"
)

// ResultFilterFields and ResultSortFields are the only result columns a
// caller may filter or sort on. Both map the public name to the column.
var (
	ResultFilterFields = map[string]string{
		"id":              "id",
		"input_text":      "input_text",
		"output_text":     "output_text",
		"expected_output": "expected_output",
		"created_at":      "created_at",
	}
	ResultSortFields = map[string]string{
		"id":              "id",
		"input_text":      "input_text",
		"output_text":     "output_text",
		"expected_output": "expected_output",
		"created_at":      "created_at",
	}
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortAsc:
		return SortAsc, nil
	case SortDesc:
		return SortDesc, nil
	default:
		return "", &QueryError{Kind: "sort order", Field: raw}
	}
}

// FieldFilter matches a field against one value, or any of several.
type FieldFilter struct {
	Field  string
	Values []string
}

// ResultQuery selects results of one run. Limit <= 0 means no limit.
type ResultQuery struct {
	RunID     string
	Filters   []FieldFilter
	SortBy    string
	SortOrder SortOrder
	Skip      int
	Limit     int
}

// Normalize applies defaults and rejects fields outside the allow-lists.
func (q ResultQuery) Normalize() (ResultQuery, error) {
	q.SortBy = strings.TrimSpace(q.SortBy)
	if q.SortBy == "" {
		q.SortBy = "created_at"
	}
	if _, ok := ResultSortFields[q.SortBy]; !ok {
		return ResultQuery{}, &QueryError{Kind: "sort", Field: q.SortBy}
	}
	order, err := ParseSortOrder(string(q.SortOrder))
	if err != nil {
		return ResultQuery{}, err
	}
	q.SortOrder = order
	for _, f := range q.Filters {
		if _, ok := ResultFilterFields[f.Field]; !ok {
			return ResultQuery{}, &QueryError{Kind: "filter", Field: f.Field}
		}
		for _, v := range f.Values {
			if err := checkFilterValue(f.Field, v); err != nil {
				return ResultQuery{}, err
			}
		}
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	return q, nil
}

// ParseResultFilters decodes a JSON object such as
// {"input_text": "hi", "id": ["a", "b"]} into field filters. Scalars become
// equality filters and arrays become set membership.
func ParseResultFilters(raw string) ([]FieldFilter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: filter_by must be a JSON object: %v", ErrInvalidQuery, err)
	}

	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	out := make([]FieldFilter, 0, len(fields))
	for _, field := range fields {
		if _, ok := ResultFilterFields[field]; !ok {
			return nil, &QueryError{Kind: "filter", Field: field}
		}
		var values []string
		switch v := obj[field].(type) {
		case []any:
			for _, item := range v {
				s, err := scalarString(item)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, field, err)
				}
				if err := checkFilterValue(field, s); err != nil {
					return nil, err
				}
				values = append(values, s)
			}
		default:
			s, err := scalarString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, field, err)
			}
			if err := checkFilterValue(field, s); err != nil {
				return nil, err
			}
			values = []string{s}
		}
		out = append(out, FieldFilter{Field: field, Values: values})
	}
	return out, nil
}

// checkFilterValue rejects values a store could not compare against the
// column. Timestamps must be RFC 3339.
func checkFilterValue(field, value string) error {
	if field != "created_at" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
		return fmt.Errorf("%w: created_at must be an RFC 3339 timestamp, got %q", ErrInvalidQuery, value)
	}
	return nil
}

func scalarString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		return "", fmt.Errorf("unsupported filter value %v", v)
	}
}

type ProjectFilter struct {
	MemberID string
	Skip     int
	Limit    int
}

type DatasetFilter struct {
	ProjectID string
	MemberID  string
	Skip      int
	Limit     int
}

// RunFilter lists runs. MemberID restricts to projects the user owns or
// collaborates on.
type RunFilter struct {
	ProjectID string
	DatasetID string
	Status    domain.RunStatus
	MemberID  string
	Skip      int
	Limit     int
}

// StaleRunFilter selects non-terminal runs untouched since Before.
type StaleRunFilter struct {
	Status domain.RunStatus
	Before time.Time
	Limit  int
}
