// Package export renders finished transcripts in the formats the
// classroom tooling consumes.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format selects an output rendering.
type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatText, FormatCSV, FormatXLSX}
}

// ParseFormat maps user input to a Format. "plaintext" is accepted as
// an alias for txt.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatText, Format("plaintext"):
		return FormatText, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Render serializes the transcript. Tabular formats carry a single row
// covering the full recording, with Timestamp, Speaker and Text
// columns; speaker diarization is not performed, so the speaker column
// reads Unknown.
func Render(f Format, transcript string) ([]byte, error) {
	switch f {
	case FormatText:
		return []byte(transcript), nil
	case FormatCSV:
		return renderCSV(transcript)
	case FormatXLSX:
		return renderXLSX(transcript)
	default:
		return nil, fmt.Errorf("unknown export format %q", f)
	}
}

func renderCSV(transcript string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := [][]string{
		{"Timestamp", "Speaker", "Text"},
		{"Full Recording", "Unknown", transcript},
	}
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderXLSX(transcript string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &[]any{"Timestamp", "Speaker", "Text"}); err != nil {
		return nil, fmt.Errorf("write header row: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A2", &[]any{"Full Recording", "Unknown", transcript}); err != nil {
		return nil, fmt.Errorf("write transcript row: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type served for HTTP downloads.
func ContentType(f Format) string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Filename returns the suggested download filename.
func Filename(f Format) string {
	return "classroom_transcript." + string(f)
}
