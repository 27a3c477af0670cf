package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultBatchSize is the number of items sent in one underlying call.
const DefaultBatchSize = 20

// SplitBatches cuts items into consecutive chunks of at most size elements.
func SplitBatches[E any](items []E, size int) [][]E {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]E, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		out = append(out, items[i:min(i+size, len(items))])
	}
	return out
}

// BatchRequest describes a fan-out of items over several logical requests.
type BatchRequest[E, T any] struct {
	// Schema decodes one chunk's reply into its results.
	Schema Schema[[]T]

	// Render builds the payload for a chunk. When nil, Prompts renders Tag.
	Render  func(chunk []E, index, count int) (Payload, error)
	Prompts PromptProvider
	Tag     string
	Version int

	BatchSize   int // <= 0 → DefaultBatchSize
	Concurrency int // <= 0 → runtime.NumCPU()

	// Runner schedules the chunk tasks. When nil, a bounded errgroup runner
	// sized by Concurrency is used. Tasks stop on the first failure through
	// the context RunBatches hands them, so a Runner only needs to schedule.
	Runner Runner
}

// ApplyBatchConfig fills BatchSize and Concurrency from c where req leaves
// them unset.
func ApplyBatchConfig[E, T any](req BatchRequest[E, T], c *Config) BatchRequest[E, T] {
	if c == nil {
		return req
	}
	if req.BatchSize <= 0 {
		req.BatchSize = c.BatchSize
	}
	if req.Concurrency <= 0 {
		req.Concurrency = c.Concurrency
	}
	return req
}

func (req BatchRequest[E, T]) runner(ctx context.Context) Runner {
	switch {
	case req.Runner != nil:
		return req.Runner
	case req.Concurrency > 0:
		return NewLimitedRunner(ctx, req.Concurrency)
	default:
		return DefaultRunner(ctx)
	}
}

// BatchResult holds results in chunk order and the merged audit trail.
type BatchResult[T any] struct {
	Items []T
	Trail *AuditTrail
}

// RunBatches splits items into chunks and runs each chunk as its own logical
// request. The first terminal failure cancels the remaining chunks and is
// returned together with the trails merged so far.
func RunBatches[E, T any](ctx context.Context, o *Orchestrator, items []E, req BatchRequest[E, T]) (BatchResult[T], error) {
	if req.Schema == nil {
		return BatchResult[T]{}, fmt.Errorf("%w: batch schema is required", ErrConfiguration)
	}
	if req.Render == nil && req.Prompts == nil {
		return BatchResult[T]{}, fmt.Errorf("%w: batch needs Render or Prompts", ErrConfiguration)
	}

	chunks := SplitBatches(items, req.BatchSize)
	o.log.Info("Split input into batches", "items", len(items), "batches", len(chunks))

	results := make([][]T, len(chunks))
	trails := make([]*AuditTrail, len(chunks))
	var mu sync.Mutex

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := req.runner(bctx)
	for i, chunk := range chunks {
		r.Go(func() error {
			log := o.log.With("batch", i)
			p, err := req.payload(chunk, i, len(chunks))
			if err != nil {
				cancel()
				return fmt.Errorf("batch %d: %w: %v", i, ErrConfiguration, err)
			}

			log.Debug("Processing batch", "items", len(chunk))
			got, trail, err := Run(bctx, o, p, req.Schema)

			mu.Lock()
			trails[i] = trail
			mu.Unlock()

			if err != nil {
				cancel()
				log.Error("Batch failed", "error", err)
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = got
			log.Debug("Batch validated", "results", len(got))
			return nil
		})
	}
	err := r.Wait()

	merged := Merge(trails...)
	o.persist(ctx, merged)

	var out BatchResult[T]
	out.Trail = merged
	if err != nil {
		return out, err
	}
	for _, rs := range results {
		out.Items = append(out.Items, rs...)
	}
	o.log.Info("Batches complete", "results", len(out.Items), "calls", merged.TotalCalls)
	return out, nil
}

func (req BatchRequest[E, T]) payload(chunk []E, index, count int) (Payload, error) {
	if req.Render != nil {
		return req.Render(chunk, index, count)
	}
	if vp, ok := req.Prompts.(VarsPromptProvider); ok {
		text, err := vp.GetPromptWithVars(req.Tag, req.Version, map[string]any{
			"items":       chunk,
			"batch_index": index,
			"batch_count": count,
		})
		if err != nil {
			return Payload{}, err
		}
		return NewTextPayload(text), nil
	}

	tpl, err := req.Prompts.GetPrompt(req.Tag, req.Version)
	if err != nil {
		return Payload{}, err
	}
	doc, err := json.MarshalIndent(chunk, "", "  ")
	if err != nil {
		return Payload{}, fmt.Errorf("encode batch: %w", err)
	}
	return NewTextPayload(buildPrompt(tpl, string(doc))), nil
}

// buildPrompt appends the document to the instruction template.
func buildPrompt(tpl, doc string) string {
	slog.Debug("starting prompt construction", "template_length", len(tpl), "document_length", len(doc))
	return strings.TrimRight(tpl, "\n") + "\n\n<<DOC>>\n" + doc + "\n<<END>>"
}

