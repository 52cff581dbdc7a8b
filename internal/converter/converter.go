// Package converter turns one file on disk into normalized text.
//
// Converters are looked up by lowercase file extension through a Registry.
// Each converter is independent and safe for concurrent use.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Converter parses a single file into text.
type Converter interface {
	Name() string
	// Extensions lists handled extensions, lowercase with the leading dot.
	Extensions() []string
	Parse(ctx context.Context, path string) (string, error)
}

// UnsupportedTypeError is returned for an extension with no converter.
type UnsupportedTypeError struct {
	Ext       string
	Supported []string
}

func (e *UnsupportedTypeError) Error() string {
	ext := e.Ext
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Sprintf("unsupported file type %s; supported: %s", ext, strings.Join(e.Supported, ", "))
}

// ParseError wraps a converter failure.
type ParseError struct {
	Converter string
	Err       error
}

func (e *ParseError) Error() string { return e.Converter + ": " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

var ErrEmptyContent = errors.New("no extractable content")

// Ext returns the lowercase extension of filename including the dot.
// Dotfiles such as ".gitignore" are their own extension.
func Ext(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(filepath.Ext(base))
}

// Registry maps extensions to converters.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Converter
}

func NewRegistry() *Registry {
	return &Registry{byExt: map[string]Converter{}}
}

// Register adds c for every extension it reports. A later registration for
// the same extension replaces the earlier one.
func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range c.Extensions() {
		r.byExt[strings.ToLower(ext)] = c
	}
}

func (r *Registry) Supports(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byExt[strings.ToLower(ext)]
	return ok
}

// Resolve returns the converter for ext or an *UnsupportedTypeError.
func (r *Registry) Resolve(ext string) (Converter, error) {
	ext = strings.ToLower(ext)
	r.mu.RLock()
	c, ok := r.byExt[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedTypeError{Ext: ext, Supported: r.Extensions()}
	}
	return c, nil
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Options tune the built-in converters.
type Options struct {
	MaxTextChars int
	CSVMaxRows   int
	ImageMaxSide int
}

func (o Options) withDefaults() Options {
	if o.MaxTextChars <= 0 {
		o.MaxTextChars = 10_000_000
	}
	if o.CSVMaxRows <= 0 {
		o.CSVMaxRows = 100
	}
	if o.ImageMaxSide <= 0 {
		o.ImageMaxSide = 2048
	}
	return o
}

// NewDefaultRegistry registers every built-in converter. describer may be
// nil, in which case images are summarized from metadata only.
func NewDefaultRegistry(opts Options, describer Describer) *Registry {
	opts = opts.withDefaults()
	r := NewRegistry()
	r.Register(&Text{opts: opts})
	r.Register(&Code{opts: opts})
	r.Register(&Markdown{opts: opts})
	r.Register(&CSV{opts: opts})
	r.Register(&PDF{opts: opts})
	r.Register(&Word{opts: opts})
	r.Register(&Slides{opts: opts})
	r.Register(&Spreadsheet{opts: opts})
	r.Register(&Image{opts: opts, describer: describer})
	return r
}

// readText loads path as UTF-8, replacing invalid sequences and dropping a
// leading BOM, truncated to max runes.
func readText(path string, max int) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimPrefix(string(b), "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return truncate(s, max), nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func fence(lang, body string) string {
	return "```" + lang + "\n" + strings.TrimSpace(body) + "\n```"
}
