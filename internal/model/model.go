package model

import (
	"context"
	"time"

	"github.com/stupiduntilnot/relay/internal/conversation"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Options tunes a single completion request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
}

// Request is one completion call: a system prompt followed by history.
type Request struct {
	SystemPrompt string
	History      []conversation.Turn
	Options      Options
}

// Result is the outcome of a completion call. Exactly one of Content or
// Err is meaningful: Err is nil on success.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	Err          *CompletionError
}

// OK reports whether the call produced a reply.
func (r Result) OK() bool {
	return r.Err == nil
}

// Succeeded builds a successful Result.
func Succeeded(content string) Result {
	return Result{Content: content}
}

// Failed builds a failed Result.
func Failed(err *CompletionError) Result {
	return Result{Err: err}
}

// Provider performs completion calls. Implementations never return a
// failure any other way than through Result.Err and make one attempt per
// call.
type Provider interface {
	Complete(ctx context.Context, req Request) Result
}
