package keypool

import (
	"bytes"
	"image"
	_ "image/gif"  // register decoders for DecodeConfig
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"  // register decoders for DecodeConfig
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// Part represents a part of a payload (text or image).
type Part struct {
	Type     string
	Text     string
	Data     []byte
	MimeType string // For images
}

// NewTextPart creates a new text part
func NewTextPart(text string) *Part {
	return &Part{Type: PartText, Text: text}
}

// NewImagePart creates a new image part with data and mime type
func NewImagePart(data []byte, mimeType string) *Part {
	return &Part{Type: PartImage, Data: data, MimeType: mimeType}
}

// NewImagePartFromBytes creates an image part, sniffing the MIME type from the data.
func NewImagePartFromBytes(data []byte) *Part {
	return NewImagePart(data, detectMIME(data))
}

// Payload is the ordered input of one underlying call.
type Payload struct {
	Parts []*Part
}

// NewTextPayload wraps plain text.
func NewTextPayload(text string) Payload {
	return Payload{Parts: []*Part{NewTextPart(text)}}
}

// NewPayload builds a payload from ordered parts; nil parts are dropped.
func NewPayload(parts ...*Part) Payload {
	out := make([]*Part, 0, len(parts))
	for _, p := range parts {
		if p != nil {
			out = append(out, p)
		}
	}
	return Payload{Parts: out}
}

// Empty reports whether the payload has no usable content. Nil parts are ignored.
func (p Payload) Empty() bool {
	for _, part := range p.Parts {
		if part == nil {
			continue
		}
		switch part.Type {
		case PartText:
			if strings.TrimSpace(part.Text) != "" {
				return false
			}
		case PartImage:
			if len(part.Data) > 0 {
				return false
			}
		}
	}
	return true
}

// EstimateTokens gives a rough input size for the payload: ~1.33 tokens per
// word of text and 258 tokens per 768px image tile.
func (p Payload) EstimateTokens() int {
	total := 0
	for _, part := range p.Parts {
		if part == nil {
			continue
		}
		switch part.Type {
		case PartText:
			total += EstimateTextTokens(part.Text)
		case PartImage:
			total += EstimateImageTokens(part.Data)
		}
	}
	return total
}

const (
	imageTileTokens = 258
	imageTileSize   = 768
	imageSmallSide  = 384
)

// EstimateTextTokens estimates tokens from the word count.
func EstimateTextTokens(text string) int {
	return len(strings.Fields(text)) * 133 / 100
}

// EstimateImageTokens estimates tokens for an encoded image. Images whose
// dimensions cannot be read count as a single tile.
func EstimateImageTokens(data []byte) int {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return imageTileTokens
	}
	return imageTokensFor(cfg.Width, cfg.Height)
}

func imageTokensFor(width, height int) int {
	if width <= imageSmallSide && height <= imageSmallSide {
		return imageTileTokens
	}
	tiles := ((width-1)/imageTileSize + 1) * ((height-1)/imageTileSize + 1)
	return tiles * imageTileTokens
}

func detectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}
