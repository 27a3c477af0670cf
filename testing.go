package keypool

import (
	"context"
	"sync"
)

// Step is one scripted executor outcome.
type Step struct {
	Text string // reply text when Err is nil
	Err  error  // returned as is; wrap in *CallError to force a class
}

// Reply scripts a successful call returning text.
func Reply(text string) Step { return Step{Text: text} }

// Fail scripts a failed call of the given class.
func Fail(class FailureClass) Step {
	return Step{Err: classified(class, errorForClass(class))}
}

func errorForClass(class FailureClass) error {
	if class == Empty {
		return ErrNoContent
	}
	return &scriptedError{class: class}
}

type scriptedError struct{ class FailureClass }

func (e *scriptedError) Error() string { return "scripted " + string(e.class) + " failure" }

// ScriptedExecutor replays Steps in order and records the keys it was called
// with. Once the script runs out the last step repeats. It is meant for tests
// and demos that must not reach the network.
type ScriptedExecutor struct {
	mu    sync.Mutex
	steps []Step
	keys  []string
}

// NewScriptedExecutor returns an executor that replays steps.
func NewScriptedExecutor(steps ...Step) *ScriptedExecutor {
	return &ScriptedExecutor{steps: steps}
}

func (s *ScriptedExecutor) Invoke(ctx context.Context, key string, _ Payload) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = append(s.keys, key)
	if len(s.steps) == 0 {
		return nil, classified(Empty, ErrNoContent)
	}
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Text: step.Text}, nil
}

// Keys returns the keys used so far, in call order.
func (s *ScriptedExecutor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// Calls returns how many times Invoke ran.
func (s *ScriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
