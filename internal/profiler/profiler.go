package profiler

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedTable is returned when the uploaded bytes cannot be parsed as a
// tabular dataset. Callers are expected to back up the raw input for offline
// diagnosis and abort the request.
var ErrMalformedTable = errors.New("malformed tabular data")

// ColumnType classifies a table column for the generation backend.
type ColumnType string

const (
	ColumnNumeric  ColumnType = "numeric"
	ColumnCategory ColumnType = "category"
	ColumnDate     ColumnType = "date"
	ColumnOther    ColumnType = "other"
)

const (
	defaultPreviewRows  = 3
	categorySampleLimit = 5
	regionColumnName    = "Region"
	yearColumnName      = "Year"
)

// DefaultDomainKeywords matches the dataset vocabulary the service was first
// deployed against. The effective list comes from configuration.
var DefaultDomainKeywords = []string{"alcohol", "vodka", "wine", "beer"}

// Options controls profiling behavior.
type Options struct {
	// DomainKeywords are lowercased substrings matched against column names
	// to detect domain-relevant columns.
	DomainKeywords []string
	// PreviewRows caps the number of preview records (default 3).
	PreviewRows int
	// Rich enables date detection and distinct-value sampling for category
	// columns. When false, non-numeric columns are classified "other".
	Rich bool
}

// Column describes one profiled column in source order.
type Column struct {
	Name    string
	Type    ColumnType
	Samples []string // distinct non-null values, rich mode categories only
}

// Table is the parsed tabular structure: a header row plus records.
type Table struct {
	Headers []string
	Rows    [][]string
}

// DatasetProfile is the compact structured summary sent to the generation
// backend in place of the raw data.
type DatasetProfile struct {
	SourceName string
	Columns    []Column
	DomainTags []string
	Regions    []string
	Years      []string
	Preview    []previewRow
	RowCount   int
}

type previewRow struct {
	keys   []string
	values []any
}

// Parse converts decoded text into a Table. The input must contain a header
// row; short records are an error (LazyQuotes tolerates sloppy quoting the
// way spreadsheet exports tend to produce it).
func Parse(text string) (*Table, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	headers, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformedTable, err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.ReplaceAll(h, `"`, ""))
	}
	if len(headers) == 0 || (len(headers) == 1 && headers[0] == "") {
		return nil, fmt.Errorf("%w: empty header row", ErrMalformedTable)
	}

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading record %d: %v", ErrMalformedTable, len(rows)+2, err)
		}
		rows = append(rows, rec)
	}
	return &Table{Headers: headers, Rows: rows}, nil
}

// Profile runs the full profiling pipeline on raw uploaded bytes: encoding
// detection, tabular parsing, column classification, domain tagging, and
// preview extraction.
func Profile(raw []byte, sourceName string, opts Options) (*DatasetProfile, error) {
	text := DetectAndDecode(raw)

	table, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return ProfileTable(table, sourceName, opts), nil
}

// ProfileTable builds a DatasetProfile from an already-parsed table.
// Classification is deterministic: every column gets exactly one type.
func ProfileTable(table *Table, sourceName string, opts Options) *DatasetProfile {
	keywords := opts.DomainKeywords
	if keywords == nil {
		keywords = DefaultDomainKeywords
	}
	previewCap := opts.PreviewRows
	if previewCap <= 0 {
		previewCap = defaultPreviewRows
	}

	p := &DatasetProfile{
		SourceName: sourceName,
		RowCount:   len(table.Rows),
	}

	for i, name := range table.Headers {
		col := classifyColumn(name, columnValues(table, i), opts.Rich)
		p.Columns = append(p.Columns, col)

		lower := strings.ToLower(name)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				p.DomainTags = append(p.DomainTags, name)
				break
			}
		}

		switch name {
		case regionColumnName:
			p.Regions = distinctInOrder(columnValues(table, i))
		case yearColumnName:
			years := distinctInOrder(columnValues(table, i))
			sort.Strings(years)
			p.Years = years
		}
	}

	p.Preview = buildPreview(table, p.Columns, previewCap)
	return p
}

func columnValues(table *Table, idx int) []string {
	vals := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if idx < len(row) {
			vals = append(vals, strings.TrimSpace(row[idx]))
		} else {
			vals = append(vals, "")
		}
	}
	return vals
}

func classifyColumn(name string, values []string, rich bool) Column {
	col := Column{Name: name}

	nonNull := values[:0:0]
	for _, v := range values {
		if !isNull(v) {
			nonNull = append(nonNull, v)
		}
	}

	if len(nonNull) > 0 && allNumeric(nonNull) {
		col.Type = ColumnNumeric
		return col
	}

	if !rich {
		col.Type = ColumnOther
		return col
	}

	if mostlyDates(nonNull) {
		col.Type = ColumnDate
		return col
	}

	col.Type = ColumnCategory
	col.Samples = distinctInOrder(nonNull)
	if len(col.Samples) > categorySampleLimit {
		col.Samples = col.Samples[:categorySampleLimit]
	}
	return col
}

func allNumeric(values []string) bool {
	for _, v := range values {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// mostlyDates reports whether more than half of the values parse as dates,
// mirroring the tolerant date sniffing used for mixed-quality exports.
func mostlyDates(values []string) bool {
	if len(values) == 0 {
		return false
	}
	parsed := 0
	for _, v := range values {
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, v); err == nil {
				parsed++
				break
			}
		}
	}
	return parsed > len(values)/2
}

func isNull(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "nan", "na", "n/a", "null":
		return true
	}
	return false
}

func distinctInOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if isNull(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// buildPreview converts up to cap leading rows into records. Numeric values
// keep their native form (integer or float), nulls become explicit JSON null,
// everything else stays a string.
func buildPreview(table *Table, cols []Column, limit int) []previewRow {
	n := len(table.Rows)
	if n > limit {
		n = limit
	}
	preview := make([]previewRow, 0, n)
	for _, row := range table.Rows[:n] {
		pr := previewRow{keys: table.Headers}
		for i := range table.Headers {
			var raw string
			if i < len(row) {
				raw = strings.TrimSpace(row[i])
			}
			pr.values = append(pr.values, coerceValue(raw, cols[i].Type))
		}
		preview = append(preview, pr)
	}
	return preview
}

func coerceValue(raw string, t ColumnType) any {
	if isNull(raw) {
		return nil
	}
	if t == ColumnNumeric {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

// MarshalJSON emits the profile with columns as an ordered name→type object,
// matching the layout the prompt templates were written against.
func (p *DatasetProfile) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, v any, first bool) error {
		if !first {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}

	if err := writeField("file_name", p.SourceName, true); err != nil {
		return nil, err
	}
	if err := writeField("row_count", p.RowCount, false); err != nil {
		return nil, err
	}

	buf.WriteString(`,"columns":{`)
	for i, c := range p.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		t, err := json.Marshal(string(c.Type))
		if err != nil {
			return nil, err
		}
		buf.Write(t)
	}
	buf.WriteByte('}')

	if err := writeField("domain_columns", emptyIfNil(p.DomainTags), false); err != nil {
		return nil, err
	}
	if err := writeField("regions", emptyIfNil(p.Regions), false); err != nil {
		return nil, err
	}
	if err := writeField("years", emptyIfNil(p.Years), false); err != nil {
		return nil, err
	}

	samples := make(map[string][]string)
	for _, c := range p.Columns {
		if len(c.Samples) > 0 {
			samples[c.Name] = c.Samples
		}
	}
	if len(samples) > 0 {
		if err := writeField("sample_values", samples, false); err != nil {
			return nil, err
		}
	}

	previews := make([]json.RawMessage, len(p.Preview))
	for i, pr := range p.Preview {
		b, err := pr.MarshalJSON()
		if err != nil {
			return nil, err
		}
		previews[i] = b
	}
	if err := writeField("data_preview", previews, false); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON keeps preview record fields in source column order.
func (pr previewRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range pr.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(pr.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
