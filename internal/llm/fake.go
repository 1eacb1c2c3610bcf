package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scriptable in-memory Client for tests. Responses are
// consumed in order; Script entries may carry an error instead of a
// response. When the script runs out, Default is returned.
type Fake struct {
	mu sync.Mutex

	Script  []FakeTurn
	Default *Response
	Models  []string

	// Requests records every call for assertions.
	Requests []Request
}

// FakeTurn is one scripted exchange.
type FakeTurn struct {
	Response *Response
	Err      error
	// Match restricts the turn to requests for a given role; empty
	// matches any role.
	Match string
}

// Reply builds a plain stop-finished response.
func Reply(text string) *Response {
	return &Response{Text: text, FinishReason: FinishStop, Tokens: TokenCounts{In: 10, Out: 20}}
}

func (f *Fake) Complete(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)

	for i := 0; i < len(f.Script); i++ {
		turn := f.Script[i]
		if turn.Match != "" && turn.Match != req.Role {
			continue
		}
		// Consume turns in order; role-matched skips stay pending.
		copy(f.Script[i:], f.Script[i+1:])
		f.Script = f.Script[:len(f.Script)-1]
		if turn.Err != nil {
			return nil, turn.Err
		}
		return turn.Response, nil
	}
	if f.Default != nil {
		return f.Default, nil
	}
	return nil, Permanent("complete", fmt.Errorf("fake: no scripted response for role %q", req.Role))
}

func (f *Fake) ListModels(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Models, nil
}

// Calls returns how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
