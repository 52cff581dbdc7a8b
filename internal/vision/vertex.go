// Package vision describes images with a Gemini model on Vertex AI.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	logx "docconv/pkg/logx"
)

const DefaultPrompt = `Describe this image as markdown. Transcribe any visible text verbatim,
including tables, labels and captions. Then summarize the visual content in a
few sentences. Do not add commentary about the task itself.`

var ErrEmptyResponse = errors.New("vision: empty response")

type Config struct {
	Project string
	Region  string
	Model   string
	Prompt  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "us-central1"
	}
	if c.Model == "" {
		c.Model = "gemini-1.5-pro"
	}
	if strings.TrimSpace(c.Prompt) == "" {
		c.Prompt = DefaultPrompt
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Client implements converter.Describer.
type Client struct {
	cfg    Config
	log    logx.Logger
	client *genai.Client
	model  *genai.GenerativeModel
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Project == "" {
		return nil, errors.New("vision: project is required")
	}
	client, err := genai.NewClient(ctx, cfg.Project, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("vision: create client: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.Prompt)}}
	model.GenerationConfig = genai.GenerationConfig{Temperature: genai.Ptr[float32](0.0)}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	}
	log.Info("vision client ready", logx.String("model", cfg.Model), logx.String("region", cfg.Region))
	return &Client{cfg: cfg, log: log, client: client, model: model}, nil
}

// Describe sends one image to the model. format is the short image format
// ("png", "jpeg", ...).
func (c *Client) Describe(ctx context.Context, data []byte, format string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, genai.ImageData(normalizeFormat(format), data), genai.Text("Describe this image."))
	if err != nil {
		return "", fmt.Errorf("vision: generate: %w", err)
	}
	text, parts := responseText(resp)
	if parts > 1 {
		c.log.Debug("vision response had several text parts", logx.Int("parts", parts))
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	c.log.Debug("image described", logx.Int("bytes", len(data)), logx.Duration("dur", time.Since(start)))
	return text, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, int) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", 0
	}
	var (
		b     strings.Builder
		parts int
	)
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
			parts++
		}
	}
	return strings.TrimSpace(b.String()), parts
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch f {
	case "jpg", "":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return f
}
