package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FeedbackRequest is the structured question emitted when the run
// suspends for a human.
type FeedbackRequest struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	Options       []string   `json:"options,omitempty"`
	ContextDigest string     `json:"context_digest,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	// DefaultAction is taken when the deadline passes unanswered.
	DefaultAction string `json:"default_action,omitempty"`
}

// Decision is the parsed intent of a human response.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionAbort   Decision = "abort"
	DecisionAnswer  Decision = "answer"
)

// ParsedResponse is a human response in structured form.
type ParsedResponse struct {
	Decision Decision
	// Option is the matched allowed option, when any matched.
	Option string
	// Text is the raw response.
	Text string
}

var (
	proceedWords = []string{"yes", "y", "ok", "okay", "approve", "approved", "accept", "proceed", "continue", "go ahead", "lgtm"}
	abortWords   = []string{"no", "n", "stop", "abort", "cancel", "reject", "rejected", "deny", "quit"}
)

// ParseResponse matches the response against the allowed options
// case-insensitively, then falls back to accept/reject phrasing; any
// other text is treated as a free-form answer.
func ParseResponse(req *FeedbackRequest, text string) ParsedResponse {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, opt := range req.Options {
		if strings.EqualFold(strings.TrimSpace(opt), trimmed) {
			decision := DecisionAnswer
			switch strings.ToLower(strings.TrimSpace(opt)) {
			case "proceed", "continue", "approve", "accept", "retry":
				decision = DecisionProceed
			case "abort", "cancel", "reject", "stop":
				decision = DecisionAbort
			}
			return ParsedResponse{Decision: decision, Option: opt, Text: trimmed}
		}
	}
	for _, w := range proceedWords {
		if lower == w {
			return ParsedResponse{Decision: DecisionProceed, Text: trimmed}
		}
	}
	for _, w := range abortWords {
		if lower == w {
			return ParsedResponse{Decision: DecisionAbort, Text: trimmed}
		}
	}
	return ParsedResponse{Decision: DecisionAnswer, Text: trimmed}
}

// ErrNoPendingRequest is returned by SubmitResponse when nothing is
// waiting for the given id.
var ErrNoPendingRequest = errors.New("no pending feedback request")

// Broker mediates between the suspended flow and whoever answers for
// the human. Ask parks until a response, the deadline, or cancellation.
// Tests preload responses to avoid real waiting.
type Broker struct {
	mu        sync.Mutex
	pending   *FeedbackRequest
	waiters   map[string]chan string
	preloaded []string
	notify    chan struct{}
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{
		waiters: map[string]chan string{},
		notify:  make(chan struct{}, 1),
	}
}

// Preload queues responses consumed by subsequent Ask calls in order,
// bypassing the wait.
func (b *Broker) Preload(responses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preloaded = append(b.preloaded, responses...)
}

// NewRequest mints a request with a fresh id and the deadline derived
// from the timeout.
func NewRequest(question string, options []string, digest string, timeout time.Duration, defaultAction string) *FeedbackRequest {
	req := &FeedbackRequest{
		ID:            uuid.New().String(),
		Question:      question,
		Options:       options,
		ContextDigest: digest,
		DefaultAction: defaultAction,
	}
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		req.Deadline = &deadline
	}
	return req
}

// Ask publishes the request and blocks for a response. On deadline
// expiry the request's default action is returned with timedOut=true.
func (b *Broker) Ask(ctx context.Context, req *FeedbackRequest) (response string, timedOut bool, err error) {
	b.mu.Lock()
	if len(b.preloaded) > 0 {
		response = b.preloaded[0]
		b.preloaded = b.preloaded[1:]
		b.mu.Unlock()
		return response, false, nil
	}
	ch := make(chan string, 1)
	b.waiters[req.ID] = ch
	b.pending = req
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	defer func() {
		b.mu.Lock()
		delete(b.waiters, req.ID)
		if b.pending != nil && b.pending.ID == req.ID {
			b.pending = nil
		}
		b.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if req.Deadline != nil {
		timer := time.NewTimer(time.Until(*req.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case resp := <-ch:
		return resp, false, nil
	case <-deadline:
		return req.DefaultAction, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// AwaitRequest blocks until a request is pending, then returns it.
func (b *Broker) AwaitRequest(ctx context.Context) (*FeedbackRequest, error) {
	for {
		b.mu.Lock()
		req := b.pending
		b.mu.Unlock()
		if req != nil {
			return req, nil
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SubmitResponse delivers a response to the waiting Ask.
func (b *Broker) SubmitResponse(requestID, response string) error {
	b.mu.Lock()
	ch, ok := b.waiters[requestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, requestID)
	}
	select {
	case ch <- response:
		return nil
	default:
		return fmt.Errorf("%w: %s already answered", ErrNoPendingRequest, requestID)
	}
}
