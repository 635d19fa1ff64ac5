package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// parseCSVLayout reads the whole CSV into a single table. The first row is
// taken as the header. Ragged rows lower the quality confidence instead of
// failing the parse.
func parseCSVLayout(file File) (*Layout, error) {
	r := csv.NewReader(bytes.NewReader(file.Data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("layout: read CSV header: %w", err)
	}

	var rows [][]string
	ragged := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("layout: read CSV row: %w", err)
		}
		if len(rec) != len(header) {
			ragged++
		}
		rows = append(rows, rec)
	}

	quality := 1.0
	if len(rows) > 0 && ragged > 0 {
		quality = 1 - float64(ragged)/float64(len(rows))
	}

	return &Layout{
		Tables:            []Table{{Name: file.Name, Header: header, Rows: rows}},
		QualityConfidence: quality,
	}, nil
}

// parseXLSXLayout extracts every sheet of a workbook as a table. The first
// row of each sheet is its header.
func parseXLSXLayout(file File) (*Layout, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("layout: open workbook: %w", err)
	}
	defer wb.Close()

	var tables []Table
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("layout: read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		tables = append(tables, Table{Name: sheet, Header: rows[0], Rows: rows[1:]})
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("layout: workbook has no populated sheets")
	}

	return &Layout{Tables: tables, QualityConfidence: 1}, nil
}
