package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Table is one extracted tabular region of a document.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Layout is the structured view of a document: tables plus free text
// blocks, with a quality confidence for the extraction as a whole.
type Layout struct {
	Tables            []Table
	TextBlocks        []string
	QualityConfidence float64
}

// File is a document handed to layout parsing.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// LayoutParser is the layout-extraction service boundary:
// layout_parse(file) -> (tables, text blocks, quality confidence) | failure.
type LayoutParser interface {
	LayoutParse(ctx context.Context, file File) (*Layout, error)
}

// DocumentLayoutParser dispatches on file type: CSV and XLSX parse
// deterministically, PDFs go to the model-backed parser.
type DocumentLayoutParser struct {
	pdf LayoutParser
}

// NewDocumentLayoutParser builds the dispatcher. pdf may be nil, in which
// case PDF inputs fail with an explicit error instead of a crash.
func NewDocumentLayoutParser(pdf LayoutParser) *DocumentLayoutParser {
	return &DocumentLayoutParser{pdf: pdf}
}

// LayoutParse implements LayoutParser.
func (d *DocumentLayoutParser) LayoutParse(ctx context.Context, file File) (*Layout, error) {
	switch detectKind(file) {
	case "csv":
		return parseCSVLayout(file)
	case "xlsx":
		return parseXLSXLayout(file)
	case "pdf":
		if d.pdf == nil {
			return nil, fmt.Errorf("layout: no PDF parser configured")
		}
		return d.pdf.LayoutParse(ctx, file)
	default:
		return nil, fmt.Errorf("layout: unsupported file type %q (%s)", file.ContentType, file.Name)
	}
}

func detectKind(file File) string {
	switch strings.ToLower(file.ContentType) {
	case "text/csv", "text/csv; charset=utf-8":
		return "csv"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return "xlsx"
	case "application/pdf":
		return "pdf"
	}
	switch strings.ToLower(filepath.Ext(file.Name)) {
	case ".csv":
		return "csv"
	case ".xlsx":
		return "xlsx"
	case ".pdf":
		return "pdf"
	}
	return ""
}
