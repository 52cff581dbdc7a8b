package converter

import (
	"archive/zip"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeZip(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for n, body := range files {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExt(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"report.PDF":      ".pdf",
		"a/b/c.tar.gz":    ".gz",
		".gitignore":      ".gitignore",
		"Makefile":        "",
		"  notes.txt ":    ".txt",
		"dir.v1/noext":    "",
		"archive.DOCX":    ".docx",
		"":                "",
		"photo.final.JPG": ".jpg",
	}
	for in, want := range cases {
		if got := Ext(in); got != want {
			t.Fatalf("Ext(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(Options{}, nil)

	for _, ext := range []string{".txt", ".md", ".go", ".svg", ".csv", ".pdf", ".docx", ".pptx", ".xlsx", ".png", ".webp"} {
		if !r.Supports(ext) {
			t.Fatalf("%s not supported", ext)
		}
	}
	_, err := r.Resolve(".xyz")
	var ute *UnsupportedTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("expected UnsupportedTypeError, got %v", err)
	}
	if ute.Ext != ".xyz" || len(ute.Supported) != len(r.Extensions()) {
		t.Fatalf("bad error payload: %+v", ute)
	}
	if !strings.Contains(ute.Error(), ".pdf") {
		t.Fatalf("message should list supported extensions: %s", ute.Error())
	}
	exts := r.Extensions()
	for i := 1; i < len(exts); i++ {
		if exts[i-1] >= exts[i] {
			t.Fatalf("extensions not sorted at %d: %v", i, exts[i-1:i+1])
		}
	}
}

func TestTextLikeConverters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewDefaultRegistry(Options{MaxTextChars: 5}, nil)

	cases := []struct {
		file string
		body string
		want string
	}{
		{"a.txt", "\ufeffhello world", "```text\nhello\n```"},
		{"b.md", "# Title\n", "# Tit"},
		{"c.py", "print(1)", "```python\nprint\n```"},
		{"d.txt", "ab\xffcd", "```text\nab\uFFFDcd\n```"},
	}
	for _, tc := range cases {
		c, err := r.Resolve(Ext(tc.file))
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.Parse(ctx, writeFile(t, tc.file, tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.file, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.file, got, tc.want)
		}
	}
}

func TestCSVTable(t *testing.T) {
	t.Parallel()
	c := &CSV{opts: Options{CSVMaxRows: 2}.withDefaults()}
	got, err := c.Parse(context.Background(), writeFile(t, "x.csv", "name,qty\nfoo,1\nb|ar,2\nbaz,3\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"```sheet",
		"**Rows**: 3",
		"**Columns**: 2",
		"| name | qty |",
		"| --- | --- |",
		`| b\|ar | 2 |`,
		"first 2 of 3 rows",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "baz") {
		t.Fatalf("row beyond limit rendered:\n%s", got)
	}

	if _, err := c.Parse(context.Background(), writeFile(t, "e.csv", "")); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("empty csv err=%v", err)
	}
}

func TestWordDocument(t *testing.T) {
	t.Parallel()
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Intro</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Hello </w:t></w:r><w:r><w:t>world</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>k</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>v</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>a</w:t></w:r></w:p></w:tc><w:tc><w:p/></w:tc></w:tr>
</w:tbl>
</w:body></w:document>`
	p := writeZip(t, "d.docx", map[string]string{"word/document.xml": doc})
	got, err := (&Word{opts: Options{}.withDefaults()}).Parse(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	want := "```document\n# Intro\n\nHello world\n\n| k | v |\n| --- | --- |\n| a |  |\n```"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestSlides(t *testing.T) {
	t.Parallel()
	slide := func(title, body string) string {
		return `<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree>
<p:sp><p:nvSpPr><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr><p:txBody><a:p><a:r><a:t>` + title + `</a:t></a:r></a:p></p:txBody></p:sp>
<p:sp><p:txBody><a:p><a:r><a:t>` + body + `</a:t></a:r></a:p></p:txBody></p:sp>
</p:spTree></p:cSld></p:sld>`
	}
	p := writeZip(t, "s.pptx", map[string]string{
		"ppt/slides/slide2.xml":  slide("Second", "• point"),
		"ppt/slides/slide10.xml": slide("Tenth", "end"),
		"ppt/slides/slide1.xml":  slide("First", "body"),
	})
	got, err := (&Slides{opts: Options{}.withDefaults()}).Parse(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	want := "## Slide 1\n\n### First\n\nbody\n\n---\n\n## Slide 2\n\n### Second\n\n- point\n\n---\n\n## Slide 3\n\n### Tenth\n\nend"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestSpreadsheet(t *testing.T) {
	t.Parallel()
	p := writeZip(t, "book.xlsx", map[string]string{
		"xl/workbook.xml": `<workbook xmlns:r="r"><sheets>
<sheet name="Sales" sheetId="1" r:id="rId2"/><sheet name="Blank" sheetId="2" r:id="rId1"/></sheets></workbook>`,
		"xl/_rels/workbook.xml.rels": `<Relationships>
<Relationship Id="rId1" Target="worksheets/sheet1.xml"/><Relationship Id="rId2" Target="worksheets/sheet2.xml"/></Relationships>`,
		"xl/sharedStrings.xml": `<sst><si><t>Region</t></si><si><r><t>Amo</t></r><r><t>unt</t></r></si><si><t>North|East</t><rPh><t>x</t></rPh></si></sst>`,
		"xl/worksheets/sheet1.xml": `<worksheet><sheetData><row r="1"><c r="A1"><v></v></c></row></sheetData></worksheet>`,
		"xl/worksheets/sheet2.xml": `<worksheet><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2" t="s"><v>2</v></c><c r="C2" t="b"><v>1</v></c></row>
<row r="4"><c r="A4" t="inlineStr"><is><t>South</t></is></c><c r="B4"><f>SUM(B1:B2)</f><v>42.5</v></c></row>
<row r="5"><c r="A5" t="str"><v>West</v></c></row>
</sheetData></worksheet>`,
	})

	got, err := (&Spreadsheet{opts: Options{CSVMaxRows: 2}.withDefaults()}).Parse(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	want := "```sheet\n## Sales\n\n**Rows**: 3\n\n" +
		"| Region | Amount |  |\n| --- | --- | --- |\n" +
		"| North\\|East |  | TRUE |\n| South | 42.5 |  |\n" +
		"\n*Showing the first 2 of 3 rows.*\n```"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}

	empty := writeZip(t, "empty.xlsx", map[string]string{
		"xl/workbook.xml":          `<workbook><sheets><sheet name="S"/></sheets></workbook>`,
		"xl/worksheets/sheet1.xml": `<worksheet><sheetData/></worksheet>`,
	})
	if _, err := (&Spreadsheet{opts: Options{}.withDefaults()}).Parse(context.Background(), empty); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("empty workbook: %v", err)
	}
}

func TestContentText(t *testing.T) {
	t.Parallel()
	stream := `BT /F1 12 Tf 72 712 Td (Hello \(PDF\)) Tj 0 -14 Td [(Wor) -20 (ld) -400 (again)] TJ T* <48693F> Tj ET
% comment (ignored) Tj
BT (Next) ' ET`
	got := contentText([]byte(stream))
	want := "Hello (PDF)\nWorld again\nHi?\nNext"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

type fakeDescriber struct {
	text   string
	err    error
	format string
	size   int
}

func (f *fakeDescriber) Describe(_ context.Context, data []byte, format string) (string, error) {
	f.format, f.size = format, len(data)
	return f.text, f.err
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pic.png")
	img := imaging.New(w, h, color.NRGBA{R: 200, A: 255})
	if err := imaging.Save(img, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestImageUsesDescriberAndDownscales(t *testing.T) {
	t.Parallel()
	d := &fakeDescriber{text: "A red square."}
	c := &Image{opts: Options{ImageMaxSide: 64}.withDefaults(), describer: d}

	got, err := c.Parse(context.Background(), writePNG(t, 200, 100))
	if err != nil {
		t.Fatal(err)
	}
	if got != "A red square." {
		t.Fatalf("got %q", got)
	}
	if d.format != "jpeg" {
		t.Fatalf("oversized image should be re-encoded as jpeg, got %q", d.format)
	}

	small := &fakeDescriber{text: "tiny"}
	c = &Image{opts: Options{ImageMaxSide: 64}.withDefaults(), describer: small}
	if _, err := c.Parse(context.Background(), writePNG(t, 10, 10)); err != nil {
		t.Fatal(err)
	}
	if small.format != "png" {
		t.Fatalf("small image should be sent as-is, got %q", small.format)
	}
}

func TestImageFallsBackToMetadata(t *testing.T) {
	t.Parallel()
	c := &Image{opts: Options{}.withDefaults(), describer: &fakeDescriber{err: errors.New("quota exceeded")}}
	got, err := c.Parse(context.Background(), writePNG(t, 30, 20))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"**Format**: png", "**Dimensions**: 30x20", "quota exceeded"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}
