package converter

import (
	"context"
	"sort"
	"strings"
)

// Text wraps plain text in a ```text fence.
type Text struct{ opts Options }

func (*Text) Name() string         { return "text" }
func (*Text) Extensions() []string { return []string{".txt", ".text"} }

func (c *Text) Parse(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, err := readText(path, c.opts.MaxTextChars)
	if err != nil {
		return "", err
	}
	return fence("text", s), nil
}

// Markdown passes markdown through unchanged apart from trimming.
type Markdown struct{ opts Options }

func (*Markdown) Name() string         { return "markdown" }
func (*Markdown) Extensions() []string { return []string{".md", ".markdown"} }

func (c *Markdown) Parse(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, err := readText(path, c.opts.MaxTextChars)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

var codeLanguages = map[string]string{
	".py": "python", ".js": "javascript", ".jsx": "jsx", ".ts": "typescript", ".tsx": "tsx",
	".json": "json", ".r": "r", ".java": "java", ".c": "c", ".cpp": "cpp", ".cc": "cpp",
	".cxx": "cpp", ".h": "c", ".hpp": "cpp", ".cs": "csharp", ".php": "php", ".rb": "ruby",
	".go": "go", ".rs": "rust", ".swift": "swift", ".kt": "kotlin", ".scala": "scala",
	".sh": "bash", ".bash": "bash", ".zsh": "zsh", ".fish": "fish", ".ps1": "powershell",
	".bat": "batch", ".cmd": "batch", ".html": "html", ".htm": "html", ".css": "css",
	".scss": "scss", ".sass": "sass", ".less": "less", ".xml": "xml", ".yaml": "yaml",
	".yml": "yaml", ".toml": "toml", ".ini": "ini", ".cfg": "ini", ".conf": "ini",
	".sql": "sql", ".dockerfile": "dockerfile", ".dockerignore": "text", ".gitignore": "text",
	".gitattributes": "text", ".editorconfig": "text", ".env": "bash", ".makefile": "makefile",
	".make": "makefile", ".cmake": "cmake", ".gradle": "gradle", ".groovy": "groovy",
	".lua": "lua", ".perl": "perl", ".pl": "perl", ".vim": "vim", ".vimrc": "vim",
	".tex": "latex", ".m": "matlab", ".jl": "julia", ".clj": "clojure", ".cljs": "clojure",
	".elm": "elm", ".erl": "erlang", ".ex": "elixir", ".exs": "elixir", ".fs": "fsharp",
	".fsx": "fsharp", ".hs": "haskell", ".lhs": "haskell", ".dart": "dart", ".proto": "protobuf",
	".graphql": "graphql", ".gql": "graphql", ".vue": "vue", ".svelte": "svelte",
	".astro": "astro", ".postcss": "postcss", ".styl": "stylus", ".svg": "svg",
}

// Code fences source files with their language tag.
type Code struct{ opts Options }

func (*Code) Name() string { return "code" }

func (*Code) Extensions() []string {
	out := make([]string, 0, len(codeLanguages))
	for ext := range codeLanguages {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func (c *Code) Parse(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, err := readText(path, c.opts.MaxTextChars)
	if err != nil {
		return "", err
	}
	lang, ok := codeLanguages[Ext(path)]
	if !ok {
		lang = "text"
	}
	return fence(lang, s), nil
}
