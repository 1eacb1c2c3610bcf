// Package llm defines the chat-completion contract the orchestrator
// depends on and an Ollama-backed implementation. Errors carry a
// transient/permanent classification so callers know what to retry.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishTool   FinishReason = "tool"
	FinishError  FinishReason = "error"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenCounts tracks prompt and completion token usage.
type TokenCounts struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// Request is a single completion call.
type Request struct {
	Role            string
	Messages        []Message
	ModelID         string
	Temperature     float64
	MaxOutputTokens int
	ResponseSchema  string
	Stop            []string
}

// Response is the model's answer.
type Response struct {
	Text         string
	FinishReason FinishReason
	Tokens       TokenCounts
}

// Client is the completion endpoint contract.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// ListModels returns the model ids the endpoint serves, for the
	// startup health check.
	ListModels(ctx context.Context) ([]string, error)
}

// ErrorKind classifies a client error.
type ErrorKind string

const (
	// KindTransient errors (timeouts, 5xx, rate limits) may be retried.
	KindTransient ErrorKind = "transient"
	// KindPermanent errors (auth, unknown model, bad request) must not.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified client failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsTransient reports whether err is a retryable client error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// IsPermanent reports whether err is a non-retryable client error.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPermanent
}
