package keypool

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Attempt records one underlying call. It is never modified once appended.
type Attempt struct {
	Timestamp    time.Time     `json:"timestamp"`
	KeyPrefix    string        `json:"key,omitempty"` // empty when no key was obtained
	Status       AttemptStatus `json:"status"`
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	ErrorKind    string        `json:"errorType,omitempty"`
	ErrorMessage string        `json:"errorMsg,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// AuditTrail is the structured record of every attempt made for one logical
// request, or for a batch once merged. It belongs to the run that created it.
type AuditTrail struct {
	ID                string        `json:"id"`
	TotalCalls        int           `json:"totalApiCalls"`
	TotalInputTokens  int           `json:"totalInputTokens"`
	TotalOutputTokens int           `json:"totalOutputTokens"`
	Attempts          []Attempt     `json:"attempts"`
	KeysUsed          []string      `json:"keysUsed"` // sorted, unique key prefixes
	StartTime         time.Time     `json:"startTime"`
	FinishTime        time.Time     `json:"finishTime"`
	Duration          time.Duration `json:"durationTotal"`
}

func newTrail(start time.Time) *AuditTrail {
	return &AuditTrail{
		ID:        uuid.NewString(),
		Attempts:  []Attempt{},
		KeysUsed:  []string{},
		StartTime: start,
	}
}

// record appends an attempt and folds it into the totals.
func (t *AuditTrail) record(a Attempt) {
	t.Attempts = append(t.Attempts, a)
	if a.KeyPrefix != "" {
		t.TotalCalls++
		t.addKey(a.KeyPrefix)
	}
	t.TotalInputTokens += a.InputTokens
	t.TotalOutputTokens += a.OutputTokens
}

func (t *AuditTrail) addKey(prefix string) {
	i, found := slices.BinarySearch(t.KeysUsed, prefix)
	if !found {
		t.KeysUsed = slices.Insert(t.KeysUsed, i, prefix)
	}
}

func (t *AuditTrail) finalize(now time.Time) {
	t.FinishTime = now
	t.Duration = now.Sub(t.StartTime)
}

// Clone returns a deep copy of the trail.
func (t *AuditTrail) Clone() *AuditTrail {
	if t == nil {
		return nil
	}
	c := *t
	c.Attempts = slices.Clone(t.Attempts)
	c.KeysUsed = slices.Clone(t.KeysUsed)
	return &c
}

// CountStatus returns how many attempts ended with status s.
func (t *AuditTrail) CountStatus(s AttemptStatus) int {
	n := 0
	for _, a := range t.Attempts {
		if a.Status == s {
			n++
		}
	}
	return n
}

// Merge combines trails produced by sub-requests of one logical request.
// Counters are summed, key prefixes unioned and attempts concatenated in
// argument order; Duration spans from the earliest start to the latest finish.
// Nil trails are skipped.
func Merge(trails ...*AuditTrail) *AuditTrail {
	out := newTrail(time.Time{})
	for _, t := range trails {
		if t == nil {
			continue
		}
		out.TotalCalls += t.TotalCalls
		out.TotalInputTokens += t.TotalInputTokens
		out.TotalOutputTokens += t.TotalOutputTokens
		out.Attempts = append(out.Attempts, t.Attempts...)
		for _, k := range t.KeysUsed {
			out.addKey(k)
		}
		if out.StartTime.IsZero() || (!t.StartTime.IsZero() && t.StartTime.Before(out.StartTime)) {
			out.StartTime = t.StartTime
		}
		if t.FinishTime.After(out.FinishTime) {
			out.FinishTime = t.FinishTime
		}
	}
	if !out.StartTime.IsZero() && !out.FinishTime.IsZero() {
		out.Duration = out.FinishTime.Sub(out.StartTime)
	}
	return out
}
