package groundtruth

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	fieldSeparator = ','
	quoteChar      = '|'
)

// LabelRow is one row of a label listing: an image key followed by zero or
// more label columns. Empty label columns are holes, not labels.
type LabelRow struct {
	Key    string
	Labels []string
}

// Blank reports whether the row carried no columns at all.
func (r LabelRow) Blank() bool {
	return r.Key == "" && len(r.Labels) == 0
}

// fields returns the row as it appears on disk.
func (r LabelRow) fields() []string {
	out := make([]string, 0, len(r.Labels)+1)
	out = append(out, r.Key)
	return append(out, r.Labels...)
}

func rowFromFields(fields []string) LabelRow {
	if len(fields) == 0 {
		return LabelRow{}
	}
	row := LabelRow{Key: fields[0]}
	if len(fields) > 1 {
		row.Labels = append([]string(nil), fields[1:]...)
	}
	return row
}

// ReadListing loads a label listing from disk. Comma separated files use '|'
// as the quote character; .xlsx workbooks are read from the first data sheet.
func ReadListing(path string) ([]LabelRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read listing %s: %w", path, err)
	}

	return parseListing(path, content)
}

// parseListing routes the content to the right reader based on the file suffix
func parseListing(filename string, content []byte) ([]LabelRow, error) {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls") {
		return parseWorkbook(content)
	}
	return ParseListing(bytes.NewReader(content))
}

// ParseListing reads a comma separated listing. A quote opens a quoted field
// only at the start of a field; elsewhere it is a literal character. Quoted
// fields may contain commas and newlines, and a doubled quote inside one is a
// literal quote. An unterminated quote runs to the end of the input.
func ParseListing(r io.Reader) ([]LabelRow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read listing: %w", err)
	}

	records := splitRecords(content)
	rows := make([]LabelRow, 0, len(records))
	for _, fields := range records {
		rows = append(rows, rowFromFields(fields))
	}
	return rows, nil
}

func splitRecords(content []byte) [][]string {
	var (
		records [][]string
		record  []string
		field   strings.Builder
		inQuote bool
		started bool
	)
	// fresh holds until the current field consumes a byte. A quote only opens
	// a quoted field while it holds.
	fresh := true

	endField := func() {
		record = append(record, field.String())
		field.Reset()
		fresh = true
	}
	endRecord := func() {
		if started {
			endField()
		}
		records = append(records, record)
		record = nil
		started = false
		fresh = true
	}

	for i := 0; i < len(content); i++ {
		c := content[i]

		if inQuote {
			if c == quoteChar {
				if i+1 < len(content) && content[i+1] == quoteChar {
					field.WriteByte(quoteChar)
					i++
					continue
				}
				inQuote = false
				continue
			}
			field.WriteByte(c)
			continue
		}

		switch c {
		case fieldSeparator:
			started = true
			endField()
		case quoteChar:
			started = true
			if fresh {
				inQuote = true
				fresh = false
				continue
			}
			field.WriteByte(c)
		case '\r':
			if i+1 < len(content) && content[i+1] == '\n' {
				continue
			}
			started = true
			fresh = false
			field.WriteByte(c)
		case '\n':
			endRecord()
		default:
			started = true
			fresh = false
			field.WriteByte(c)
		}
	}

	if started {
		endRecord()
	}
	return records
}

// parseWorkbook reads listing rows from an Excel workbook
func parseWorkbook(content []byte) ([]LabelRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel listing: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets in Excel listing")
	}

	skipSheets := map[string]bool{
		"info":     true,
		"metadata": true,
		"readme":   true,
		"notes":    true,
	}

	sheetName := sheets[len(sheets)-1]
	for _, sheet := range sheets {
		if !skipSheets[strings.ToLower(sheet)] {
			sheetName = sheet
			break
		}
	}

	allRows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read Excel rows: %w", err)
	}

	log.Printf("Read %d rows from sheet %q", len(allRows), sheetName)

	rows := make([]LabelRow, 0, len(allRows))
	for _, cells := range allRows {
		rows = append(rows, rowFromFields(cells))
	}
	return rows, nil
}

// WriteListing writes rows in the same dialect ParseListing reads. Blank rows
// are not written.
func WriteListing(w io.Writer, rows []LabelRow) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		if row.Blank() {
			continue
		}
		for i, field := range row.fields() {
			if i > 0 {
				bw.WriteByte(fieldSeparator)
			}
			bw.WriteString(quoteField(field))
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func quoteField(field string) string {
	if !strings.ContainsAny(field, ",|\r\n") {
		return field
	}
	escaped := strings.ReplaceAll(field, string(quoteChar), string([]byte{quoteChar, quoteChar}))
	return string(quoteChar) + escaped + string(quoteChar)
}

// writeListingFile persists rows to path, replacing any previous file.
func writeListingFile(path string, rows []LabelRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIOFailure, path, err)
	}

	if err := WriteListing(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrIOFailure, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIOFailure, path, err)
	}
	return nil
}

// SidecarPaths returns the deduplicated and duplicates report paths that sit
// next to a listing.
func SidecarPaths(listing string) (deduplicated, duplicates string) {
	dir, base := filepath.Split(listing)
	return filepath.Join(dir, "deduplicated-"+base), filepath.Join(dir, "duplicates-"+base)
}

// ManifestPath returns the default manifest path for a listing.
func ManifestPath(listing string) string {
	return strings.TrimSuffix(listing, filepath.Ext(listing)) + ".manifest"
}
