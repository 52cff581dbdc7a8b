package converter

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Word extracts paragraphs, headings and tables from .docx files.
type Word struct{ opts Options }

func (*Word) Name() string         { return "docx" }
func (*Word) Extensions() []string { return []string{".docx"} }

func (c *Word) Parse(ctx context.Context, p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	f := findZipFile(&zr.Reader, "word/document.xml")
	if f == nil {
		return "", errors.New("word/document.xml missing")
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	text, err := wordText(ctx, rc)
	if err != nil {
		return "", err
	}
	if text == "" {
		text = "The document is empty or its text could not be extracted."
	}
	return fence("document", truncate(text, c.opts.MaxTextChars)), nil
}

func wordText(ctx context.Context, r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		blocks   []string
		para     strings.Builder
		heading  int
		tblDepth int
		row      []string
		cell     []string
		rows     int
		inRun    bool
		table    strings.Builder
		inText   bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				heading = 0
				if err := ctx.Err(); err != nil {
					return "", err
				}
			case "pStyle":
				heading = headingLevel(attr(t, "val"))
			case "r":
				inRun = true
			case "t":
				inText = true
			case "tab":
				if inRun {
					para.WriteByte('\t')
				}
			case "br", "cr":
				if inRun {
					para.WriteByte('\n')
				}
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					table.Reset()
					rows = 0
				}
			case "tr":
				row = row[:0]
			case "tc":
				cell = cell[:0]
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				s := strings.TrimSpace(para.String())
				if s == "" {
					continue
				}
				if tblDepth > 0 {
					cell = append(cell, s)
					continue
				}
				if heading > 0 {
					s = strings.Repeat("#", heading) + " " + s
				}
				blocks = append(blocks, s)
			case "tc":
				row = append(row, strings.Join(cell, " "))
			case "tr":
				if tblDepth == 1 {
					table.WriteString("| " + strings.Join(escapeCells(row), " | ") + " |\n")
					if rows == 0 {
						table.WriteString(strings.Repeat("| --- ", len(row)) + "|\n")
					}
					rows++
				}
			case "tbl":
				tblDepth--
				if tblDepth == 0 && rows > 0 {
					blocks = append(blocks, strings.TrimRight(table.String(), "\n"))
				}
			}
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

func escapeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = cellEscaper.Replace(c)
	}
	return out
}

var headingRe = regexp.MustCompile(`(?i)^heading\s*([1-9])$`)

func headingLevel(style string) int {
	if m := headingRe.FindStringSubmatch(style); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if strings.EqualFold(style, "Title") {
		return 1
	}
	return 0
}

// Slides extracts slide text from .pptx files, one section per slide.
type Slides struct{ opts Options }

func (*Slides) Name() string         { return "pptx" }
func (*Slides) Extensions() []string { return []string{".pptx"} }

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func (c *Slides) Parse(ctx context.Context, p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close()

	type slide struct {
		nr int
		f  *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideRe.FindStringSubmatch(path.Clean(f.Name)); m != nil {
			nr, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{nr: nr, f: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].nr < slides[j].nr })

	var parts []string
	for i, s := range slides {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rc, err := s.f.Open()
		if err != nil {
			return "", err
		}
		body, err := slideText(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.nr, err)
		}
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Slide %d\n\n%s", i+1, body))
	}
	if len(parts) == 0 {
		return "The presentation is empty or its text could not be extracted.", nil
	}
	return truncate(strings.Join(parts, "\n\n---\n\n"), c.opts.MaxTextChars), nil
}

// slideText renders each shape's paragraphs; title placeholders become
// "### " headings.
func slideText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		shapes  []string
		lines   []string
		para    strings.Builder
		isTitle bool
		inText  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				lines = lines[:0]
				isTitle = false
			case "ph":
				typ := attr(t, "type")
				isTitle = typ == "title" || typ == "ctrTitle"
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "br":
				para.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					if strings.HasPrefix(s, "•") || strings.HasPrefix(s, "-") {
						s = "- " + strings.TrimSpace(strings.TrimLeft(s, "•-"))
					}
					lines = append(lines, s)
				}
			case "sp":
				if len(lines) == 0 {
					continue
				}
				text := strings.Join(lines, "\n")
				if isTitle {
					text = "### " + strings.ReplaceAll(text, "\n", " ")
				}
				shapes = append(shapes, text)
			}
		}
	}
	return strings.Join(shapes, "\n\n"), nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
