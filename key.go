package keypool

import (
	"math"
	"time"
)

// prefixLen is how many characters of a secret may appear in logs and audit records.
const prefixLen = 6

// maxPenaltyExponent caps the cooldown growth at 1.5^4.
const maxPenaltyExponent = 4

// penaltyGrowth is the per-failure cooldown multiplier.
const penaltyGrowth = 1.5

// Prefix returns the short, loggable form of a credential.
func Prefix(key string) string {
	r := []rune(key)
	if len(r) <= prefixLen {
		return key
	}
	return string(r[:prefixLen]) + "…"
}

// keyRecord is the mutable per-credential state owned by a Pool.
type keyRecord struct {
	key           string
	successCount  int
	failureCount  int
	cooldownUntil time.Time // zero → ready

	index int // position in the pool heap, maintained by keyHeap
}

func newKeyRecord(key string) *keyRecord {
	return &keyRecord{key: key, index: -1}
}

// ready reports whether the cooldown has elapsed at now.
func (r *keyRecord) ready(now time.Time) bool {
	return !now.Before(r.cooldownUntil)
}

func (r *keyRecord) markSuccess() {
	r.successCount++
	r.failureCount = 0
	r.cooldownUntil = time.Time{}
}

// markFailure bumps the failure counter and returns the applied cooldown.
func (r *keyRecord) markFailure(now time.Time, base time.Duration) time.Duration {
	r.failureCount++
	cd := penaltyFor(base, r.failureCount)
	r.cooldownUntil = now.Add(cd)
	return cd
}

// penaltyFor computes base * 1.5^min(failures, 4).
func penaltyFor(base time.Duration, failures int) time.Duration {
	exp := min(failures, maxPenaltyExponent)
	return time.Duration(float64(base) * math.Pow(penaltyGrowth, float64(exp)))
}

func (r *keyRecord) status() KeyStatus {
	return KeyStatus{
		Prefix:        Prefix(r.key),
		SuccessCount:  r.successCount,
		FailureCount:  r.failureCount,
		CooldownUntil: r.cooldownUntil,
	}
}

// KeyStatus is a read-only snapshot of one credential, safe to log or serve.
type KeyStatus struct {
	Prefix        string    `json:"prefix"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	CooldownUntil time.Time `json:"cooldownUntil"`
}

// CoolingAt reports whether the key is still excluded from selection at t.
func (s KeyStatus) CoolingAt(t time.Time) bool {
	return t.Before(s.CooldownUntil)
}
