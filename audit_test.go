package keypool

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func trailWith(start time.Time, attempts ...Attempt) *AuditTrail {
	tr := newTrail(start)
	for _, a := range attempts {
		tr.record(a)
	}
	return tr
}

func TestAuditTrail_Record(t *testing.T) {
	tr := trailWith(t0,
		Attempt{KeyPrefix: "bbbbbb…", Status: StatusValidationError, InputTokens: 10, OutputTokens: 3},
		Attempt{KeyPrefix: "aaaaaa…", Status: StatusSuccess, InputTokens: 12, OutputTokens: 5},
		Attempt{KeyPrefix: "bbbbbb…", Status: StatusSuccess, InputTokens: 1, OutputTokens: 1},
	)

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, 3, tr.TotalCalls)
	assert.Equal(t, 23, tr.TotalInputTokens)
	assert.Equal(t, 9, tr.TotalOutputTokens)
	assert.Equal(t, []string{"aaaaaa…", "bbbbbb…"}, tr.KeysUsed)
	assert.Equal(t, 2, tr.CountStatus(StatusSuccess))
	assert.Equal(t, 1, tr.CountStatus(StatusValidationError))
	assert.Zero(t, tr.CountStatus(StatusFatal))
}

func TestAuditTrail_RecordWithoutKey(t *testing.T) {
	tr := trailWith(t0, Attempt{Status: StatusSystemError, ErrorKind: "unavailable"})

	assert.Len(t, tr.Attempts, 1)
	assert.Zero(t, tr.TotalCalls, "no call was made without a key")
	assert.Empty(t, tr.KeysUsed)
}

func TestAuditTrail_Finalize(t *testing.T) {
	tr := newTrail(t0)
	tr.finalize(t0.Add(1500 * time.Millisecond))
	assert.Equal(t, t0.Add(1500*time.Millisecond), tr.FinishTime)
	assert.Equal(t, 1500*time.Millisecond, tr.Duration)
}

func TestAuditTrail_Clone(t *testing.T) {
	tr := trailWith(t0, Attempt{KeyPrefix: "aaaaaa…", Status: StatusSuccess})
	c := tr.Clone()
	require.Equal(t, tr, c)

	c.Attempts[0].Status = StatusFatal
	c.KeysUsed[0] = "zzz"
	assert.Equal(t, StatusSuccess, tr.Attempts[0].Status)
	assert.Equal(t, "aaaaaa…", tr.KeysUsed[0])

	var nilTrail *AuditTrail
	assert.Nil(t, nilTrail.Clone())
}

func TestMerge(t *testing.T) {
	a := trailWith(t0.Add(time.Second),
		Attempt{KeyPrefix: "aaaaaa…", Status: StatusResourceExhausted, InputTokens: 10},
		Attempt{KeyPrefix: "bbbbbb…", Status: StatusSuccess, InputTokens: 10, OutputTokens: 4},
	)
	a.finalize(t0.Add(3 * time.Second))
	b := trailWith(t0,
		Attempt{KeyPrefix: "cccccc…", Status: StatusSuccess, InputTokens: 7, OutputTokens: 2},
	)
	b.finalize(t0.Add(5 * time.Second))

	m := Merge(a, nil, b)

	assert.NotEqual(t, a.ID, m.ID)
	assert.Equal(t, 3, m.TotalCalls)
	assert.Equal(t, 27, m.TotalInputTokens)
	assert.Equal(t, 6, m.TotalOutputTokens)
	assert.Equal(t, []string{"aaaaaa…", "bbbbbb…", "cccccc…"}, m.KeysUsed)
	require.Len(t, m.Attempts, 3)
	assert.Equal(t, StatusResourceExhausted, m.Attempts[0].Status, "attempts keep argument order")
	assert.Equal(t, t0, m.StartTime)
	assert.Equal(t, t0.Add(5*time.Second), m.FinishTime)
	assert.Equal(t, 5*time.Second, m.Duration)

	// inputs are untouched
	assert.Len(t, a.Attempts, 2)
	assert.Equal(t, []string{"aaaaaa…", "bbbbbb…"}, a.KeysUsed)
}

func TestMerge_Associative(t *testing.T) {
	a := trailWith(t0, Attempt{KeyPrefix: "a", InputTokens: 1})
	b := trailWith(t0, Attempt{KeyPrefix: "b", InputTokens: 2}, Attempt{KeyPrefix: "a", OutputTokens: 3})
	c := trailWith(t0, Attempt{KeyPrefix: "c", InputTokens: 4})

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))

	assert.Equal(t, left.TotalCalls, right.TotalCalls)
	assert.Equal(t, left.TotalInputTokens, right.TotalInputTokens)
	assert.Equal(t, left.TotalOutputTokens, right.TotalOutputTokens)
	assert.Equal(t, left.KeysUsed, right.KeysUsed)
	assert.Equal(t, left.Attempts, right.Attempts)
}

func TestMerge_Empty(t *testing.T) {
	m := Merge()
	assert.Zero(t, m.TotalCalls)
	assert.Empty(t, m.Attempts)
	assert.Zero(t, m.Duration)
}

func TestAuditTrail_JSON(t *testing.T) {
	tr := trailWith(t0, Attempt{
		Timestamp:    t0,
		KeyPrefix:    "aaaaaa…",
		Status:       StatusValidationError,
		InputTokens:  4,
		ErrorKind:    "validation",
		ErrorMessage: "id must be 8 characters",
	})
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 1, doc["totalApiCalls"])
	assert.EqualValues(t, 4, doc["totalInputTokens"])
	assert.Equal(t, []any{"aaaaaa…"}, doc["keysUsed"])

	attempts := doc["attempts"].([]any)
	first := attempts[0].(map[string]any)
	assert.Equal(t, "aaaaaa…", first["key"])
	assert.Equal(t, "validation", first["errorType"])
	assert.Equal(t, "id must be 8 characters", first["errorMsg"])
}
