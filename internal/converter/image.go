package converter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/disintegration/imaging"
)

// Describer turns image bytes into markdown. format is the short image
// format ("png", "jpeg", ...).
type Describer interface {
	Describe(ctx context.Context, data []byte, format string) (string, error)
}

// Image describes images through a Describer, falling back to metadata
// when no describer is configured or the call fails.
type Image struct {
	opts      Options
	describer Describer
}

func (*Image) Name() string { return "image" }
func (*Image) Extensions() []string {
	return []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".webp"}
}

func (c *Image) Parse(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	format := strings.TrimPrefix(Ext(path), ".")
	if format == "jpg" {
		format = "jpeg"
	}

	payload, bounds, decoded := raw, image.Rectangle{}, false
	if img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true)); err == nil {
		decoded = true
		bounds = img.Bounds()
		if side := c.opts.ImageMaxSide; bounds.Dx() > side || bounds.Dy() > side {
			small := imaging.Fit(img, side, side, imaging.Lanczos)
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(90)); err == nil {
				payload, format = buf.Bytes(), "jpeg"
			}
		}
	}

	var note string
	if c.describer != nil {
		text, err := c.describer.Describe(ctx, payload, format)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(truncate(text, c.opts.MaxTextChars)), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			note = err.Error()
		}
	}

	var b strings.Builder
	b.WriteString("# Image\n\n")
	fmt.Fprintf(&b, "**Format**: %s\n", strings.TrimPrefix(Ext(path), "."))
	if decoded {
		fmt.Fprintf(&b, "**Dimensions**: %dx%d\n", bounds.Dx(), bounds.Dy())
	}
	fmt.Fprintf(&b, "**Size**: %d bytes\n", len(raw))
	if note != "" {
		fmt.Fprintf(&b, "\n*Image description unavailable: %s*\n", note)
	}
	return strings.TrimSpace(b.String()), nil
}
