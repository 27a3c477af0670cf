package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var itemName = regexp.MustCompile(`n\d\d`)

// echoCards answers every prompt with one card per item name found in it.
type echoCards struct {
	mu      sync.Mutex
	prompts []string
	failOn  string
}

func (e *echoCards) Invoke(ctx context.Context, _ string, p Payload) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := p.Parts[0].Text
	e.mu.Lock()
	e.prompts = append(e.prompts, text)
	e.mu.Unlock()

	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, classified(Rejected, fmt.Errorf("bad item %s", e.failOn))
	}
	var cards []card
	for i, name := range itemName.FindAllString(text, -1) {
		cards = append(cards, card{Name: name, ID: fmt.Sprintf("%08d", i)})
	}
	data, _ := json.Marshal(cards)
	return &Response{Text: "```json\n" + string(data) + "\n```"}, nil
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("n%02d", i)
	}
	return out
}

func TestSplitBatches(t *testing.T) {
	assert.Empty(t, SplitBatches([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, SplitBatches([]int{1, 2, 3, 4, 5}, 3))
	assert.Equal(t, [][]int{{1, 2}}, SplitBatches([]int{1, 2}, 10))

	chunks := SplitBatches(make([]int, 45), 0)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], DefaultBatchSize)
	assert.Len(t, chunks[2], 5)
}

func TestRunBatches_SimplePrompts(t *testing.T) {
	exec := &echoCards{}
	h := newHarness(exec, []string{"k1", "k2"})

	res, err := RunBatches(context.Background(), h.o, names(7), BatchRequest[string, card]{
		Schema:      ListOf[card](cardSchema),
		Prompts:     SimplePromptProvider{"cards": "Return a card for every name.\n"},
		Tag:         "cards",
		BatchSize:   3,
		Concurrency: 2,
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 7)
	for i, c := range res.Items {
		assert.Equal(t, fmt.Sprintf("n%02d", i), c.Name, "results keep chunk order")
	}
	assert.Equal(t, 3, res.Trail.TotalCalls)
	assert.Len(t, res.Trail.Attempts, 3)

	require.Len(t, exec.prompts, 3)
	for _, p := range exec.prompts {
		assert.True(t, strings.HasPrefix(p, "Return a card for every name.\n\n<<DOC>>\n["))
		assert.True(t, strings.HasSuffix(p, "]\n<<END>>"))
	}
}

func TestRunBatches_StickPrompts(t *testing.T) {
	exec := &echoCards{}
	h := newHarness(exec, []string{"k1"})

	prompts, err := NewStickPromptProvider(WithTemplates(map[string]string{
		"cards": "Batch {{ batch_index }}/{{ batch_count }}:{% for n in items %} {{ n }}{% endfor %}",
	}))
	require.NoError(t, err)

	res, err := RunBatches(context.Background(), h.o, names(4), BatchRequest[string, card]{
		Schema:      ListOf[card](cardSchema),
		Prompts:     prompts,
		Tag:         "cards",
		BatchSize:   2,
		Concurrency: 1,
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 4)
	assert.ElementsMatch(t, []string{"Batch 0/2: n00 n01", "Batch 1/2: n02 n03"}, exec.prompts)
}

func TestRunBatches_Render(t *testing.T) {
	exec := &echoCards{}
	h := newHarness(exec, []string{"k1"})

	res, err := RunBatches(context.Background(), h.o, names(5), BatchRequest[string, card]{
		Schema: ListOf[card](cardSchema),
		Render: func(chunk []string, index, count int) (Payload, error) {
			return NewTextPayload(strings.Join(chunk, ",")), nil
		},
		BatchSize: 5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
	assert.Equal(t, []string{"n00,n01,n02,n03,n04"}, exec.prompts)
}

func TestRunBatches_FailureCancelsAndKeepsTrail(t *testing.T) {
	exec := &echoCards{failOn: "n04"}
	h := newHarness(exec, []string{"k1", "k2"})

	res, err := RunBatches(context.Background(), h.o, names(6), BatchRequest[string, card]{
		Schema:      ListOf[card](cardSchema),
		Render:      func(chunk []string, _, _ int) (Payload, error) { return NewTextPayload(strings.Join(chunk, " ")), nil },
		BatchSize:   2,
		Concurrency: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "batch 2")
	assert.Nil(t, res.Items)

	require.NotNil(t, res.Trail)
	assert.Equal(t, 1, res.Trail.CountStatus(StatusFatal))
}

// inlineRunner runs each task as soon as it is scheduled.
type inlineRunner struct {
	err error
}

func (r *inlineRunner) Go(fn func() error) {
	if err := fn(); err != nil && r.err == nil {
		r.err = err
	}
}

func (r *inlineRunner) Wait() error { return r.err }

func TestRunBatches_CustomRunner(t *testing.T) {
	exec := &echoCards{}
	h := newHarness(exec, []string{"k1"})

	res, err := RunBatches(context.Background(), h.o, names(5), BatchRequest[string, card]{
		Schema:    ListOf[card](cardSchema),
		Render:    func(chunk []string, _, _ int) (Payload, error) { return NewTextPayload(strings.Join(chunk, " ")), nil },
		BatchSize: 2,
		Runner:    &inlineRunner{},
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
	assert.Equal(t, []string{"n00 n01", "n02 n03", "n04"}, exec.prompts, "inline runner keeps submission order")
}

func TestRunBatches_CustomRunnerStopsAfterFailure(t *testing.T) {
	exec := &echoCards{failOn: "n02"}
	h := newHarness(exec, []string{"k1"})

	res, err := RunBatches(context.Background(), h.o, names(6), BatchRequest[string, card]{
		Schema:    ListOf[card](cardSchema),
		Render:    func(chunk []string, _, _ int) (Payload, error) { return NewTextPayload(strings.Join(chunk, " ")), nil },
		BatchSize: 2,
		Runner:    &inlineRunner{},
	})
	assert.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "batch 1")
	assert.Equal(t, []string{"n00 n01", "n02 n03"}, exec.prompts, "the third chunk never reaches the executor")
	assert.Equal(t, 2, res.Trail.TotalCalls)
}

func TestApplyBatchConfig(t *testing.T) {
	cfg := &Config{BatchSize: 7, Concurrency: 3}

	req := ApplyBatchConfig(BatchRequest[string, card]{}, cfg)
	assert.Equal(t, 7, req.BatchSize)
	assert.Equal(t, 3, req.Concurrency)

	req = ApplyBatchConfig(BatchRequest[string, card]{BatchSize: 2, Concurrency: 1}, cfg)
	assert.Equal(t, 2, req.BatchSize, "explicit values win")
	assert.Equal(t, 1, req.Concurrency)

	req = ApplyBatchConfig(BatchRequest[string, card]{BatchSize: 4}, nil)
	assert.Equal(t, 4, req.BatchSize)
}

func TestApplyBatchConfig_FromYAML(t *testing.T) {
	path := writeFile(t, "keypool.yaml", "batch_size: 5\nconcurrency: 2\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	exec := &echoCards{}
	h := newHarness(exec, []string{"k1"})
	res, err := RunBatches(context.Background(), h.o, names(12), ApplyBatchConfig(BatchRequest[string, card]{
		Schema: ListOf[card](cardSchema),
		Render: func(chunk []string, _, _ int) (Payload, error) { return NewTextPayload(strings.Join(chunk, " ")), nil },
	}, cfg))
	require.NoError(t, err)
	assert.Len(t, res.Items, 12)
	assert.Len(t, exec.prompts, 3, "batch_size from the config file")
}

func TestRunBatches_RenderError(t *testing.T) {
	h := newHarness(&echoCards{}, []string{"k1"})

	_, err := RunBatches(context.Background(), h.o, names(2), BatchRequest[string, card]{
		Schema: ListOf[card](cardSchema),
		Render: func([]string, int, int) (Payload, error) { return Payload{}, fmt.Errorf("no template") },
	})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 500, HTTPStatus(err))
}

func TestRunBatches_Misconfigured(t *testing.T) {
	h := newHarness(&echoCards{}, []string{"k1"})

	_, err := RunBatches(context.Background(), h.o, names(2), BatchRequest[string, card]{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = RunBatches(context.Background(), h.o, names(2), BatchRequest[string, card]{Schema: ListOf[card](cardSchema)})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRunBatches_PersistsMergedTrail(t *testing.T) {
	var mu sync.Mutex
	var saved []*AuditTrail
	sink := SinkFunc(func(_ context.Context, _ string, tr *AuditTrail) error {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, tr.Clone())
		return nil
	})
	h := newHarness(&echoCards{}, []string{"k1"}, WithAuditSink(sink))

	res, err := RunBatches(context.Background(), h.o, names(4), BatchRequest[string, card]{
		Schema:    ListOf[card](cardSchema),
		Render:    func(chunk []string, _, _ int) (Payload, error) { return NewTextPayload(strings.Join(chunk, " ")), nil },
		BatchSize: 2,
	})
	require.NoError(t, err)

	require.Len(t, saved, 3, "one trail per chunk plus the merged trail")
	assert.Equal(t, res.Trail.ID, saved[2].ID)
	assert.Equal(t, 2, saved[2].TotalCalls)
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "Do it\n\n<<DOC>>\n[]\n<<END>>", buildPrompt("Do it\n\n", "[]"))
}
