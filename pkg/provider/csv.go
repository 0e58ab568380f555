package provider

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ParseCSV reads a delimited file into rows. Ragged rows are kept as-is.
func ParseCSV(r io.Reader, comma rune) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse delimited file: %w", err)
	}
	for i, row := range rows {
		for j, cell := range row {
			rows[i][j] = strings.TrimSpace(cell)
		}
	}
	return rows, nil
}

type workbookJSON struct {
	Title  string `json:"title"`
	Sheets []struct {
		Name string          `json:"name"`
		Rows [][]interface{} `json:"rows"`
	} `json:"sheets"`
}

// ParseWorkbookJSON reads the multi-sheet JSON export format:
// {"title": "...", "sheets": [{"name": "...", "rows": [[...], ...]}]}.
func ParseWorkbookJSON(r io.Reader, fallbackTitle string) (*TabularContent, error) {
	var wb workbookJSON
	if err := json.NewDecoder(r).Decode(&wb); err != nil {
		return nil, fmt.Errorf("parse workbook json: %w", err)
	}
	out := &TabularContent{Title: wb.Title}
	if out.Title == "" {
		out.Title = fallbackTitle
	}
	for i, s := range wb.Sheets {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("Sheet%d", i+1)
		}
		out.Sheets = append(out.Sheets, Sheet{Name: name, Rows: StringifyRows(s.Rows)})
	}
	return out, nil
}

// StringifyRows renders loosely typed cell values as strings.
func StringifyRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		row := make([]string, len(v))
		for j, cell := range v {
			if cell == nil {
				continue
			}
			row[j] = strings.TrimSpace(fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return rows
}
