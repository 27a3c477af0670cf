// Package keypool calls a rate-limited LLM endpoint through a pool of
// interchangeable API keys. It picks the best key for every call, rotates away
// from keys that hit their quota, retries with per-class backoff and records an
// audit trail of every underlying call.
//
// # Problem Statement
//
// A single Gemini API key runs out of quota quickly under load, and the
// service fails in several distinct ways:
//
//   - Quota errors: the key is saturated and another key should be tried
//   - Rejections: the key or request is invalid and retrying cannot help
//   - Transient errors: the service is briefly unavailable
//   - Malformed replies: the call worked but the JSON does not fit the schema
//
// The keypool package handles each of these with its own policy and keeps a
// structured record of what happened so callers can bill and debug.
//
// # Basic Usage
//
//	keys, _ := keypool.LoadCredentials("api_keys.env")
//	pool, _ := keypool.NewPool(keys)
//	exec := keypool.NewGenAIExecutor(nil, keypool.WithModelName("gemini-2.0-flash"))
//	o := keypool.NewOrchestrator(pool, exec)
//
//	type Card struct {
//	    Name string `json:"name"`
//	    ID   string `json:"id"`
//	}
//
//	card, trail, err := keypool.Run(ctx, o,
//	    keypool.NewPayload(
//	        keypool.NewTextPart("Extract the card holder as JSON"),
//	        keypool.NewImagePartFromBytes(img),
//	    ),
//	    keypool.JSONSchema[Card]{},
//	)
//
// # Key Selection
//
// Pool.SelectBest returns the ready key with the earliest cooldown expiry,
// preferring the lowest failure count and breaking remaining ties at random.
// When every key is cooling down it returns the one that recovers first and
// leaves the decision to wait to the caller. Failures put a key on cooldown
// for base * 1.5^min(failures, 4); a success clears it.
//
// # Retry Policy
//
// Every attempt ends in one class of a closed taxonomy and the Policy decides
// what happens next:
//
//	class        penalty  budget               backoff            terminal
//	validation   none     2                    500ms * n          ValidationExhausted
//	exhausted    60s      max(5, 2*keys)       2s doubling, 60s   QuotaExhausted
//	unavailable  60s      3 attempts           2s doubling, 30s   SystemExhausted
//	rejected     none     0                    -                  Fatal
//
// Empty replies count as validation failures. A terminal failure is returned
// as *TerminalError carrying the partial AuditTrail; match it with errors.Is
// against ErrValidationExhausted, ErrQuotaExhausted, ErrSystemExhausted or
// ErrFatal, or map it with HTTPStatus.
//
// # Batches
//
// RunBatches splits a list into chunks of DefaultBatchSize items, renders one
// prompt per chunk, runs the chunks concurrently and merges their trails:
//
//	res, err := keypool.RunBatches(ctx, o, rows, keypool.BatchRequest[Row, Card]{
//	    Schema:  keypool.ListOf[Card](keypool.JSONSchema[Card]{}),
//	    Prompts: prompts,
//	    Tag:     "transcribe",
//	})
//
// # Audit
//
// AuditTrail counts calls and tokens, lists every attempt and the key
// prefixes used. Merge combines trails, EstimateCost prices them and
// FormatTrail renders them as a tree or JSON. With WithAuditSink every
// finished trail is also written to a FileSink or RedisSink; save failures
// are logged and never fail the request.
//
// # Observability
//
// Components log through log/slog and never log a key in full, only its
// Prefix. NewMetrics registers Prometheus counters for attempts, runs and key
// penalties.
package keypool
