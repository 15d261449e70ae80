package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type FileType string

const (
	FileTypeCSV   FileType = "csv"
	FileTypeJSONL FileType = "jsonl"
	FileTypeJSON  FileType = "json"
)

func ParseFileType(raw string) (FileType, error) {
	switch FileType(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))) {
	case FileTypeCSV:
		return FileTypeCSV, nil
	case FileTypeJSONL:
		return FileTypeJSONL, nil
	case FileTypeJSON:
		return FileTypeJSON, nil
	default:
		return "", fmt.Errorf("file type must be one of: csv, jsonl, json (got %q)", raw)
	}
}

// Dataset is the metadata record of an uploaded evaluation file. The file
// itself lives in object storage under FilePath.
type Dataset struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	FileType    FileType  `json:"file_type"`
	RowCount    *int64    `json:"row_count"`
	Metadata    Metadata  `json:"metadata"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("dataset name is required")
	}
	if strings.TrimSpace(d.FilePath) == "" {
		return errors.New("dataset file path is required")
	}
	if _, err := ParseFileType(string(d.FileType)); err != nil {
		return err
	}
	if d.FileSize < 0 {
		return errors.New("dataset file size must be >= 0")
	}
	if d.RowCount != nil && *d.RowCount < 0 {
		return errors.New("dataset row count must be >= 0")
	}
	if strings.TrimSpace(d.CreatedBy) == "" {
		return errors.New("dataset creator is required")
	}
	return nil
}
