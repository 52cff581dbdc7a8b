package vision

import (
	"testing"
	"time"

	"cloud.google.com/go/vertexai/genai"
)

func TestResponseText(t *testing.T) {
	t.Parallel()
	if got, n := responseText(nil); got != "" || n != 0 {
		t.Fatalf("nil response: %q %d", got, n)
	}
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("# Chart\n"),
			genai.Blob{MIMEType: "image/png", Data: []byte{1}},
			genai.Text("Sales by month.  "),
		}},
	}}}
	got, n := responseText(resp)
	if n != 2 {
		t.Fatalf("parts=%d", n)
	}
	if got != "# Chart\nSales by month." {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeFormat(t *testing.T) {
	t.Parallel()
	cases := map[string]string{"jpg": "jpeg", ".PNG": "png", "": "jpeg", "tif": "tiff", "webp": "webp"}
	for in, want := range cases {
		if got := normalizeFormat(in); got != want {
			t.Fatalf("normalizeFormat(%q)=%q want %q", in, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{Project: "p"}.withDefaults()
	if c.Model != "gemini-1.5-pro" || c.Region != "us-central1" || c.Timeout != time.Minute || c.Prompt != DefaultPrompt {
		t.Fatalf("defaults: %+v", c)
	}
}
