package converter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSV renders the first rows of a CSV file as a markdown table.
type CSV struct{ opts Options }

func (*CSV) Name() string         { return "csv" }
func (*CSV) Extensions() []string { return []string{".csv"} }

func (c *CSV) Parse(ctx context.Context, path string) (string, error) {
	s, err := readText(path, 0)
	if err != nil {
		return "", err
	}
	r := csv.NewReader(strings.NewReader(s))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return "", ErrEmptyContent
	}
	if err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}

	var (
		rows  [][]string
		total int
	)
	for {
		if total%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("row %d: %w", total+2, err)
		}
		total++
		if len(rows) < c.opts.CSVMaxRows {
			rows = append(rows, rec)
		}
	}

	var b strings.Builder
	b.WriteString("# CSV\n\n")
	fmt.Fprintf(&b, "**Rows**: %d\n", total)
	fmt.Fprintf(&b, "**Columns**: %d\n\n", len(header))
	writeTable(&b, header, rows)
	if total > len(rows) {
		fmt.Fprintf(&b, "\n*Showing the first %d of %d rows.*\n", len(rows), total)
	}
	return fence("sheet", truncate(b.String(), c.opts.MaxTextChars)), nil
}

func writeTable(b *strings.Builder, header []string, rows [][]string) {
	cols := len(header)
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	line := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < cols; i++ {
			v := ""
			if i < len(cells) {
				v = cells[i]
			}
			b.WriteString(" ")
			b.WriteString(cellEscaper.Replace(strings.TrimSpace(v)))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	line(header)
	b.WriteString("|")
	for i := 0; i < cols; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, r := range rows {
		line(r)
	}
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")
