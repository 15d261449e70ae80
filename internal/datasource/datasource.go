// Package datasource reads the rows of a dataset file from object storage.
// CSV files need a header row; JSONL holds one object per line and JSON an
// array of objects.
package datasource

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/objectstore"
)

// Column names accepted for the row input and the expected output, in
// preference order. Matching ignores case.
var (
	InputColumns    = []string{"input", "input_text", "question", "prompt", "query"}
	ExpectedColumns = []string{"expected_output", "expected", "answer", "reference", "output"}
)

var (
	ErrNoInputColumn = errors.New("dataset has no input column")
	// ErrMalformed wraps every parse failure of a dataset file.
	ErrMalformed = errors.New("malformed dataset")
)

// Row is one dataset item. Fields keeps every column as text.
type Row struct {
	Index    int
	Input    string
	Expected *string
	Fields   map[string]string
}

type Reader struct {
	store objectstore.Store
}

func NewReader(store objectstore.Store) *Reader {
	return &Reader{store: store}
}

// Rows reads and parses the dataset's file.
func (r *Reader) Rows(ctx context.Context, d domain.Dataset) ([]Row, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("object store is not configured")
	}
	body, err := r.store.Open(ctx, d.FilePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	rows, err := Parse(body, d.FileType)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w: %w", d.ID, ErrMalformed, err)
	}
	return rows, nil
}

func Parse(r io.Reader, ft domain.FileType) ([]Row, error) {
	var (
		records []map[string]string
		err     error
	)
	switch ft {
	case domain.FileTypeCSV:
		records, err = parseCSV(r)
	case domain.FileTypeJSONL:
		records, err = parseJSONL(r)
	case domain.FileTypeJSON:
		records, err = parseJSON(r)
	default:
		return nil, fmt.Errorf("unsupported dataset file type %q", ft)
	}
	if err != nil {
		return nil, err
	}
	return toRows(records)
}

func parseCSV(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty header")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	var out []map[string]string
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" || i >= len(rec) {
				continue
			}
			fields[col] = rec[i]
		}
		out = append(out, fields)
	}
}

func parseJSONL(r io.Reader) ([]map[string]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out []map[string]string
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		obj, err := decodeObject([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		out = append(out, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

func parseJSON(r io.Reader) ([]map[string]string, error) {
	var items []json.RawMessage
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("json dataset must be an array of objects: %w", err)
	}
	out := make([]map[string]string, 0, len(items))
	for i, raw := range items {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("json item %d: %w", i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

func decodeObject(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("expected an object")
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		out[k] = text(v)
	}
	return out, nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		blob, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(blob)
	}
}

func toRows(records []map[string]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	rows := make([]Row, 0, len(records))
	for i, fields := range records {
		inputKey := pick(fields, InputColumns)
		if inputKey == "" {
			return nil, fmt.Errorf("%w: row %d has none of %s", ErrNoInputColumn, i, strings.Join(InputColumns, ", "))
		}
		row := Row{Index: i, Input: fields[inputKey], Fields: fields}
		if key := pick(fields, ExpectedColumns); key != "" {
			expected := fields[key]
			row.Expected = &expected
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// pick returns the first field name of fields matching a candidate.
func pick(fields map[string]string, candidates []string) string {
	for _, c := range candidates {
		if _, ok := fields[c]; ok {
			return c
		}
		for k := range fields {
			if strings.EqualFold(strings.TrimSpace(k), c) {
				return k
			}
		}
	}
	return ""
}
