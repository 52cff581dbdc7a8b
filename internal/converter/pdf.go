package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF extracts the text-showing operators of every page content stream.
// Fonts with custom encodings may yield partial text.
type PDF struct{ opts Options }

func (*PDF) Name() string         { return "pdf" }
func (*PDF) Extensions() []string { return []string{".pdf"} }

var pageFileRe = regexp.MustCompile(`(\d+)\.txt$`)

func (c *PDF) Parse(ctx context.Context, path string) (string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCountFile(path)
	if err != nil {
		return "", fmt.Errorf("page count: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outDir, err := os.MkdirTemp("", "docconv-pdf-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(outDir, "*.txt"))
	if err != nil {
		return "", err
	}
	type page struct {
		nr   int
		file string
	}
	ordered := make([]page, 0, len(files))
	for _, f := range files {
		m := pageFileRe.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			continue
		}
		nr, _ := strconv.Atoi(m[1])
		ordered = append(ordered, page{nr: nr, file: f})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].nr < ordered[j].nr })

	var b strings.Builder
	fmt.Fprintf(&b, "**Pages**: %d\n", pages)
	found := false
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := os.ReadFile(p.file)
		if err != nil {
			return "", err
		}
		text := contentText(raw)
		if text == "" {
			continue
		}
		found = true
		fmt.Fprintf(&b, "\n## Page %d\n\n%s\n", p.nr, text)
		if b.Len() > c.opts.MaxTextChars {
			break
		}
	}
	if !found {
		b.WriteString("\nThe PDF is empty or its text could not be extracted.\n")
	}
	return fence("document", truncate(b.String(), c.opts.MaxTextChars)), nil
}

// contentText pulls the strings shown by Tj, TJ, ' and " out of a page
// content stream, breaking lines on text positioning.
func contentText(stream []byte) string {
	var (
		out     strings.Builder
		strs    []string
		nums    []float64
		inArray bool
		arr     []string
	)
	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}
	i, n := 0, len(stream)
	for i < n {
		ch := stream[i]
		switch {
		case isPDFSpace(ch):
			i++
		case ch == '%':
			for i < n && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case ch == '(':
			s, next := readLiteral(stream, i)
			i = next
			if inArray {
				arr = append(arr, s)
			} else {
				strs = append(strs, s)
			}
		case ch == '<' && i+1 < n && stream[i+1] == '<':
			i += 2
		case ch == '>' && i+1 < n && stream[i+1] == '>':
			i += 2
		case ch == '<':
			s, next := readHex(stream, i)
			i = next
			if inArray {
				arr = append(arr, s)
			} else {
				strs = append(strs, s)
			}
		case ch == '/':
			i++
			for i < n && !isPDFSpace(stream[i]) && !isPDFDelim(stream[i]) {
				i++
			}
		case ch == '[':
			inArray, arr = true, arr[:0]
			i++
		case ch == ']':
			inArray = false
			i++
		default:
			start := i
			for i < n && !isPDFSpace(stream[i]) && !isPDFDelim(stream[i]) {
				i++
			}
			if i == start {
				i++
				continue
			}
			tok := string(stream[start:i])
			if f, err := strconv.ParseFloat(tok, 64); err == nil {
				if inArray && f < -200 {
					arr = append(arr, " ")
				}
				nums = append(nums, f)
				continue
			}
			switch tok {
			case "Tj":
				out.WriteString(strings.Join(strs, ""))
			case "'", `"`:
				newline()
				out.WriteString(strings.Join(strs, ""))
			case "TJ":
				out.WriteString(strings.Join(arr, ""))
				arr = arr[:0]
			case "T*", "ET":
				newline()
			case "Td", "TD":
				if len(nums) >= 2 && nums[len(nums)-1] != 0 {
					newline()
				}
			case "ID":
				i = skipInlineImage(stream, i)
			}
			strs, nums = strs[:0], nums[:0]
		}
	}
	return cleanLines(out.String())
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func readLiteral(b []byte, i int) (string, int) {
	var out []byte
	depth := 0
	i++ // (
	for i < len(b) {
		c := b[i]
		switch {
		case c == '\\' && i+1 < len(b):
			i++
			switch e := b[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					v, k := 0, 0
					for k < 3 && i < len(b) && b[i] >= '0' && b[i] <= '7' {
						v = v*8 + int(b[i]-'0')
						i++
						k++
					}
					out = append(out, byte(v))
					continue
				}
				out = append(out, e)
			}
			i++
		case c == '(':
			depth++
			out = append(out, c)
			i++
		case c == ')':
			if depth == 0 {
				return decodePDFBytes(out), i + 1
			}
			depth--
			out = append(out, c)
			i++
		default:
			out = append(out, c)
			i++
		}
	}
	return decodePDFBytes(out), i
}

func readHex(b []byte, i int) (string, int) {
	i++ // <
	var digits []byte
	for i < len(b) && b[i] != '>' {
		if c := b[i]; (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			digits = append(digits, c)
		}
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for k := 0; k < len(digits); k += 2 {
		v, _ := strconv.ParseUint(string(digits[k:k+2]), 16, 8)
		out = append(out, byte(v))
	}
	return decodePDFBytes(out), min(i+1, len(b))
}

// decodePDFBytes handles UTF-16BE strings with a BOM and treats everything
// else as Latin-1, dropping control characters.
func decodePDFBytes(b []byte) string {
	var sb strings.Builder
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		for k := 2; k+1 < len(b); k += 2 {
			r := rune(b[k])<<8 | rune(b[k+1])
			if r >= 0x20 {
				sb.WriteRune(r)
			}
		}
		return sb.String()
	}
	for _, c := range b {
		if c >= 0x20 || c == '\t' {
			sb.WriteRune(rune(c))
		}
	}
	return sb.String()
}

func skipInlineImage(b []byte, i int) int {
	for k := i; k+2 < len(b); k++ {
		if isPDFSpace(b[k]) && b[k+1] == 'E' && b[k+2] == 'I' && (k+3 == len(b) || isPDFSpace(b[k+3])) {
			return k + 3
		}
	}
	return len(b)
}

func cleanLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
