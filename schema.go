package keypool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrSchemaRejected marks a response whose JSON did not fit the expected shape.
var ErrSchemaRejected = errors.New("schema rejected response")

// Schema turns extracted JSON into a typed value. Rejections must wrap
// ErrSchemaRejected so they are retried as validation failures.
type Schema[T any] interface {
	Decode(raw []byte) (T, error)
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc[T any] func(raw []byte) (T, error)

func (f SchemaFunc[T]) Decode(raw []byte) (T, error) { return f(raw) }

// JSONSchema decodes into T with encoding/json and then runs Validate.
type JSONSchema[T any] struct {
	// Validate checks business rules on the decoded value; optional.
	Validate func(T) error
	// Strict rejects objects carrying unknown fields.
	Strict bool
}

func (s JSONSchema[T]) Decode(raw []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if s.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}
	if s.Validate != nil {
		if err := s.Validate(v); err != nil {
			return v, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
		}
	}
	return v, nil
}

type listSchema[T any] struct {
	item Schema[T]
}

// ListOf accepts either a JSON array of items or a single item object.
func ListOf[T any](item Schema[T]) Schema[[]T] {
	return listSchema[T]{item: item}
}

func (s listSchema[T]) Decode(raw []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		v, err := s.item.Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []T{v}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}
	out := make([]T, 0, len(elems))
	for i, e := range elems {
		v, err := s.item.Decode(e)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ExtractJSON pulls the JSON document out of a model reply. A fenced ```json
// block wins; otherwise the outermost object or array is used.
func ExtractJSON(text string) ([]byte, error) {
	if block, ok := fencedBlock(text); ok {
		text = block
	} else if span, ok := outermostJSON(text); ok {
		text = span
	}
	out := SanitizeJSONResponse([]byte(text))
	if len(out) == 0 {
		return nil, ErrNoContent
	}
	return out, nil
}

func fencedBlock(text string) (string, bool) {
	const fence = "```"
	start := strings.Index(text, fence+"json")
	if start < 0 {
		return "", false
	}
	body := text[start+len(fence)+len("json"):]
	end := strings.Index(body, fence)
	if end < 0 {
		return body, true
	}
	return body[:end], true
}

func outermostJSON(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return "", false
	}
	return text[start : end+1], true
}

// SanitizeJSONResponse removes garbage characters often produced by LLMs.
func SanitizeJSONResponse(b []byte) []byte {
	slog.Debug("Starting sanitization", "input_length", len(b))

	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	slog.Debug("Sanitization complete", "final_length", len(s))
	return []byte(s)
}
