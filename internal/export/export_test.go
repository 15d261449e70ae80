package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/animus-labs/evalhub/internal/domain"
)

const runID = "0123456789abcdef"

func sampleResults() []domain.Result {
	gold := "Paris"
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []domain.Result{
		{
			ID: "r1", RunID: runID, InputText: "capital of France?", OutputText: "Paris",
			ExpectedOutput: &gold, Metrics: domain.Metadata{"score": 0.8, "exact_match": 1.0}, CreatedAt: at,
		},
		{
			ID: "r2", RunID: runID, InputText: "2+2", OutputText: "4",
			Metrics: domain.Metadata{"score": 1.0, "judge": map[string]any{"label": "ok"}}, CreatedAt: at.Add(time.Second),
		},
		{ID: "r3", RunID: runID, InputText: "empty", OutputText: "", CreatedAt: at.Add(2 * time.Second)},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		raw     string
		want    Format
		wantErr bool
	}{
		{raw: "", want: FormatJSON},
		{raw: "JSON", want: FormatJSON},
		{raw: "csv", want: FormatCSV},
		{raw: "excel", want: FormatExcel},
		{raw: "xlsx", want: FormatExcel},
		{raw: "parquet", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.raw)
		if tt.wantErr {
			var ufe *UnsupportedFormatError
			assert.ErrorAs(t, err, &ufe, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestSelectColumnsAlwaysKeepsIdentity(t *testing.T) {
	assert.Equal(t, Columns, SelectColumns(nil))
	assert.Equal(t, []string{"id", "run_id", "output_text", "metrics"}, SelectColumns([]string{"metrics", "output_text"}))
	assert.Equal(t, []string{"id", "run_id", "input_text"}, SelectColumns([]string{"input_text,bogus"}))
}

func TestRenderJSONKeepsMetricsNested(t *testing.T) {
	file, err := Render(runID, sampleResults(), FormatJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, "results_run_01234567.json", file.Name)
	assert.Equal(t, "application/json", file.ContentType)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(file.Body, &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, map[string]any{"score": 0.8, "exact_match": 1.0}, rows[0]["metrics"])
	assert.Equal(t, map[string]any{}, rows[2]["metrics"])
	assert.Nil(t, rows[1]["expected_output"])
	assert.Equal(t, "2024-05-01T12:00:00Z", rows[0]["created_at"])

	assert.True(t, bytes.HasPrefix(file.Body, []byte(`[{"id":"r1","run_id":`)), string(file.Body))
}

func TestRenderCSVFlattensMetrics(t *testing.T) {
	file, err := Render(runID, sampleResults(), FormatCSV, nil)
	require.NoError(t, err)
	assert.Equal(t, "results_run_01234567.csv", file.Name)
	assert.Equal(t, "text/csv", file.ContentType)

	records, err := csv.NewReader(bytes.NewReader(file.Body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{
		"id", "run_id", "input_text", "output_text", "expected_output", "created_at",
		"metrics.exact_match", "metrics.judge.label", "metrics.score",
	}, records[0])
	assert.Equal(t, []string{"r1", runID, "capital of France?", "Paris", "Paris", "2024-05-01T12:00:00Z", "1", "", "0.8"}, records[1])
	assert.Equal(t, "ok", records[2][7])
	assert.Equal(t, "", records[3][8])
}

func TestRenderCSVWithoutMetricsColumn(t *testing.T) {
	file, err := Render(runID, sampleResults(), FormatCSV, []string{"input_text"})
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(file.Body)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "run_id", "input_text"}, records[0])
}

func TestRenderExcel(t *testing.T) {
	file, err := Render(runID, sampleResults(), FormatExcel, []string{"output_text", "metrics"})
	require.NoError(t, err)
	assert.Equal(t, "results_run_01234567.xlsx", file.Name)

	wb, err := excelize.OpenReader(bytes.NewReader(file.Body))
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()

	rows, err := wb.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"id", "run_id", "output_text", "metrics.exact_match", "metrics.judge.label", "metrics.score"}, rows[0])
	assert.Equal(t, "0.8", rows[1][5])
}

func TestFilenameShortRunID(t *testing.T) {
	assert.Equal(t, "results_run_abc.csv", Filename("abc", FormatCSV))
}
