package converter

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// Spreadsheet renders every non-empty sheet of an .xlsx workbook as a
// markdown table. The first non-empty row is the header.
type Spreadsheet struct{ opts Options }

func (*Spreadsheet) Name() string         { return "xlsx" }
func (*Spreadsheet) Extensions() []string { return []string{".xlsx"} }

type sheetRef struct {
	name string
	part string
}

func (c *Spreadsheet) Parse(ctx context.Context, p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer zr.Close()

	sheets, err := workbookSheets(&zr.Reader)
	if err != nil {
		return "", err
	}
	shared, err := sharedStrings(&zr.Reader)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, sh := range sheets {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f := findZipFile(&zr.Reader, sh.part)
		if f == nil {
			return "", fmt.Errorf("sheet %q: %s missing", sh.name, sh.part)
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		rows, err := sheetRows(rc, shared)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", sh.name, err)
		}
		if len(rows) == 0 {
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n\n", sh.name)
		body := rows[1:]
		fmt.Fprintf(&b, "**Rows**: %d\n\n", len(body))
		shown := body
		if len(shown) > c.opts.CSVMaxRows {
			shown = shown[:c.opts.CSVMaxRows]
		}
		writeTable(&b, rows[0], shown)
		if len(body) > len(shown) {
			fmt.Fprintf(&b, "\n*Showing the first %d of %d rows.*\n", len(shown), len(body))
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	if len(parts) == 0 {
		return "", ErrEmptyContent
	}
	return fence("sheet", truncate(strings.Join(parts, "\n\n"), c.opts.MaxTextChars)), nil
}

// workbookSheets lists sheets in workbook order with their part names,
// resolved through the workbook relationships. Without a relationship
// part the conventional xl/worksheets/sheetN.xml layout is assumed.
func workbookSheets(zr *zip.Reader) ([]sheetRef, error) {
	var wb struct {
		Sheets []struct {
			Name string     `xml:"name,attr"`
			Attr []xml.Attr `xml:",any,attr"`
		} `xml:"sheets>sheet"`
	}
	if err := decodeZipXML(zr, "xl/workbook.xml", &wb); err != nil {
		return nil, err
	}

	var rels struct {
		Rel []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	targets := map[string]string{}
	if findZipFile(zr, "xl/_rels/workbook.xml.rels") != nil {
		if err := decodeZipXML(zr, "xl/_rels/workbook.xml.rels", &rels); err != nil {
			return nil, err
		}
		for _, r := range rels.Rel {
			t := r.Target
			if strings.HasPrefix(t, "/") {
				t = strings.TrimPrefix(t, "/")
			} else {
				t = path.Join("xl", t)
			}
			targets[r.ID] = t
		}
	}

	out := make([]sheetRef, 0, len(wb.Sheets))
	for i, s := range wb.Sheets {
		part := fmt.Sprintf("xl/worksheets/sheet%d.xml", i+1)
		for _, a := range s.Attr {
			if a.Name.Local == "id" {
				if t, ok := targets[a.Value]; ok {
					part = t
				}
			}
		}
		out = append(out, sheetRef{name: s.Name, part: part})
	}
	if len(out) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return out, nil
}

// sharedStrings returns the shared string table; rich text runs are
// concatenated and phonetic hints dropped.
func sharedStrings(zr *zip.Reader) ([]string, error) {
	f := findZipFile(zr, "xl/sharedStrings.xml")
	if f == nil {
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		out    []string
		cur    strings.Builder
		inText bool
		inPh   bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("sharedStrings.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				cur.Reset()
			case "rPh":
				inPh = true
			case "t":
				inText = !inPh
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "rPh":
				inPh = false
			case "si":
				out = append(out, cur.String())
			}
		}
	}
}

// sheetRows returns the non-empty rows of a worksheet with cells placed
// by their column reference.
func sheetRows(r io.Reader, shared []string) ([][]string, error) {
	dec := xml.NewDecoder(r)
	var (
		rows    [][]string
		row     []string
		col     int
		typ     string
		val     strings.Builder
		inValue bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				row = row[:0:0]
				col = 0
			case "c":
				if ref := attr(t, "r"); ref != "" {
					if n := columnIndex(ref); n >= 0 {
						col = n
					}
				}
				typ = attr(t, "t")
				val.Reset()
			case "v", "t":
				inValue = true
			}
		case xml.CharData:
			if inValue {
				val.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				s := cellValue(typ, val.String(), shared)
				for len(row) <= col {
					row = append(row, "")
				}
				row[col] = s
				col++
			case "row":
				if !blankRow(row) {
					rows = append(rows, row)
				}
			}
		}
	}
}

func cellValue(typ, raw string, shared []string) string {
	switch typ {
	case "s":
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || i < 0 || i >= len(shared) {
			return ""
		}
		return shared[i]
	case "b":
		if strings.TrimSpace(raw) == "1" {
			return "TRUE"
		}
		return "FALSE"
	}
	return raw
}

// columnIndex converts the letters of a cell reference such as "AB12"
// to a zero-based column number.
func columnIndex(ref string) int {
	n := 0
	seen := false
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		n = n*26 + int(r-'A'+1)
		seen = true
	}
	if !seen {
		return -1
	}
	return n - 1
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func decodeZipXML(zr *zip.Reader, name string, v any) error {
	f := findZipFile(zr, name)
	if f == nil {
		return fmt.Errorf("%s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
