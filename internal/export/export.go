// Package export renders the results of a run as a downloadable JSON, CSV or
// Excel file.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/animus-labs/evalhub/internal/domain"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeCSV   = "text/csv"
	contentTypeExcel = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sheetName = "Results"
)

// Columns is the full column set in output order.
var Columns = []string{"id", "run_id", "input_text", "output_text", "expected_output", "created_at", "metrics"}

// UnsupportedFormatError names a format outside json, csv and excel.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format: %s", e.Format)
}

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatExcel, "xlsx":
		return FormatExcel, nil
	default:
		return "", &UnsupportedFormatError{Format: raw}
	}
}

func (f Format) Extension() string {
	if f == FormatExcel {
		return "xlsx"
	}
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return contentTypeCSV
	case FormatExcel:
		return contentTypeExcel
	default:
		return contentTypeJSON
	}
}

// File is a rendered export.
type File struct {
	Name        string
	ContentType string
	Body        []byte
}

// SelectColumns keeps the requested columns in output order. id and run_id
// are always kept; an empty request keeps everything. Unknown names are
// ignored.
func SelectColumns(include []string) []string {
	if len(include) == 0 {
		return append([]string(nil), Columns...)
	}
	want := map[string]bool{"id": true, "run_id": true}
	for _, c := range include {
		for _, part := range strings.Split(c, ",") {
			want[strings.TrimSpace(part)] = true
		}
	}
	out := make([]string, 0, len(Columns))
	for _, c := range Columns {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

func Filename(runID string, f Format) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("results_run_%s.%s", short, f.Extension())
}

// Render writes results in format f with the selected columns.
func Render(runID string, results []domain.Result, f Format, include []string) (File, error) {
	cols := SelectColumns(include)
	var (
		body []byte
		err  error
	)
	switch f {
	case FormatJSON:
		body, err = renderJSON(results, cols)
	case FormatCSV:
		body, err = renderCSV(results, cols)
	case FormatExcel:
		body, err = renderExcel(results, cols)
	default:
		return File{}, &UnsupportedFormatError{Format: string(f)}
	}
	if err != nil {
		return File{}, err
	}
	return File{Name: Filename(runID, f), ContentType: f.ContentType(), Body: body}, nil
}

func fieldValue(r domain.Result, col string) any {
	switch col {
	case "id":
		return r.ID
	case "run_id":
		return r.RunID
	case "input_text":
		return r.InputText
	case "output_text":
		return r.OutputText
	case "expected_output":
		if r.ExpectedOutput == nil {
			return nil
		}
		return *r.ExpectedOutput
	case "created_at":
		return r.CreatedAt.UTC().Format(time.RFC3339Nano)
	case "metrics":
		return r.Metrics.OrEmpty()
	default:
		return nil
	}
}

// renderJSON emits an array of objects whose keys follow column order.
func renderJSON(results []domain.Result, cols []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range results {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range cols {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(col)
			val, err := json.Marshal(fieldValue(r, col))
			if err != nil {
				return nil, fmt.Errorf("encode %s of result %s: %w", col, r.ID, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// table flattens results into a header and rows. The metrics column becomes
// one metrics.<key> column per key found in any row, sorted.
func table(results []domain.Result, cols []string) ([]string, [][]any) {
	withMetrics := false
	header := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "metrics" {
			withMetrics = true
			continue
		}
		header = append(header, c)
	}
	base := len(header)

	flat := make([]map[string]any, len(results))
	var metricKeys []string
	if withMetrics {
		seen := make(map[string]struct{})
		for i, r := range results {
			flat[i] = make(map[string]any)
			flatten("metrics", r.Metrics, flat[i])
			for k := range flat[i] {
				if _, ok := seen[k]; !ok {
					seen[k] = struct{}{}
					metricKeys = append(metricKeys, k)
				}
			}
		}
		sort.Strings(metricKeys)
		header = append(header, metricKeys...)
	}

	rows := make([][]any, len(results))
	for i, r := range results {
		row := make([]any, len(header))
		for j := 0; j < base; j++ {
			row[j] = fieldValue(r, header[j])
		}
		for j, k := range metricKeys {
			row[base+j] = flat[i][k]
		}
		rows[i] = row
	}
	return header, rows
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := prefix + "." + k
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func renderCSV(results []domain.Result, cols []string) ([]byte, error) {
	header, rows := table(results, cols)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderExcel(results []domain.Result, cols []string) ([]byte, error) {
	header, rows := table(results, cols)
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = excelValue(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellString renders numbers in their shortest form, so 0.8 stays "0.8".
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	if f, ok := domain.Numeric(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(blob)
}

func excelValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case string, bool:
		return x
	}
	if f, ok := domain.Numeric(v); ok {
		return f
	}
	return cellString(v)
}
