// Package orchestrator answers one inbound chat message at a time: it
// records the user turn, asks the completion provider for a reply with the
// trimmed history, and records the assistant turn only when a reply came
// back.
package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/db"
	"github.com/stupiduntilnot/relay/internal/logging"
	"github.com/stupiduntilnot/relay/internal/model"
)

const (
	DefaultSystemPrompt    = "You are a helpful AI assistant. Respond naturally and conversationally."
	DefaultFallbackMessage = "Sorry, I encountered an error while processing your request. Please try again."
	DefaultResetMessage    = "Started a new session. Previous context has been cleared."
)

// EventRecorder stores audit events. db.EventLog implements it.
type EventRecorder interface {
	Record(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Config holds the fixed texts and completion options.
type Config struct {
	SystemPrompt    string
	FallbackMessage string
	ResetMessage    string
	Options         model.Options
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
	if c.ResetMessage == "" {
		c.ResetMessage = DefaultResetMessage
	}
	if c.Options == (model.Options{}) {
		c.Options = model.DefaultOptions()
	}
	return c
}

// Reply is the outcome of Handle.
type Reply struct {
	Text      string
	OK        bool
	RequestID string
	// EventID is the respond.started event, 0 when no recorder is set.
	EventID int64
	Err     *model.CompletionError
}

// Orchestrator coordinates the conversation store and the provider.
type Orchestrator struct {
	store    *conversation.Store
	provider model.Provider
	cfg      Config
	logger   *zap.Logger
	events   EventRecorder
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithEvents sets the event recorder.
func WithEvents(r EventRecorder) Option {
	return func(o *Orchestrator) { o.events = r }
}

// New creates an Orchestrator over store and provider.
func New(store *conversation.Store, provider model.Provider, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Respond returns the reply text for userText in conversation key: the
// model's answer, or the fallback message when the completion failed.
func (o *Orchestrator) Respond(ctx context.Context, key conversation.Key, userText string) string {
	return o.Handle(ctx, key, userText).Text
}

// Handle is Respond with the outcome details. Calls for the same key are
// serialized; the user turn stays recorded even when the completion fails,
// but an assistant turn is only added on success.
func (o *Orchestrator) Handle(ctx context.Context, key conversation.Key, userText string) Reply {
	reply := Reply{RequestID: uuid.NewString()}
	log := o.logger.With(zap.Int64("chat_id", int64(key)), zap.String("request_id", reply.RequestID))

	release, err := o.store.Acquire(ctx, key)
	if err != nil {
		log.Warn("conversation busy, giving up", zap.Error(err))
		reply.Text = o.cfg.FallbackMessage
		return reply
	}
	defer release()

	o.store.AppendUser(key, userText)
	o.store.Trim(key)
	history := o.store.Snapshot(key)

	reply.EventID = o.record(nil, db.EventRespondStarted, map[string]any{
		"chat_id":       int64(key),
		"request_id":    reply.RequestID,
		"history_turns": len(history),
	})
	log.Debug("requesting completion", zap.Int("history_turns", len(history)))

	result := o.provider.Complete(ctx, model.Request{
		SystemPrompt: o.cfg.SystemPrompt,
		History:      history,
		Options:      o.cfg.Options,
	})
	parent := o.parent(reply.EventID)

	if !result.OK() {
		reply.Err = result.Err
		reply.Text = o.cfg.FallbackMessage
		log.Warn("completion failed",
			zap.String("error_kind", string(result.Err.Kind)),
			zap.String("error_class", string(result.Err.Kind.Class())),
			zap.Int("status", result.Err.StatusCode),
			zap.Duration("latency", result.Latency),
			zap.Error(result.Err),
		)
		o.record(parent, db.EventCompletionFailed, map[string]any{
			"request_id":  reply.RequestID,
			"error_kind":  string(result.Err.Kind),
			"error_class": string(result.Err.Kind.Class()),
			"status":      result.Err.StatusCode,
			"error":       logging.Truncate(result.Err.Error(), 1000),
			"latency_ms":  result.Latency.Milliseconds(),
		})
		return reply
	}

	o.store.AppendAssistant(key, result.Content)
	reply.OK = true
	reply.Text = result.Content
	log.Info("completion succeeded",
		zap.Duration("latency", result.Latency),
		zap.Int("input_tokens", result.InputTokens),
		zap.Int("output_tokens", result.OutputTokens),
	)
	o.record(parent, db.EventCompletionSucceeded, map[string]any{
		"request_id":    reply.RequestID,
		"latency_ms":    result.Latency.Milliseconds(),
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
	})
	return reply
}

// ResetSession forgets the conversation for key and returns the
// confirmation text to relay to the user. It waits for an in-flight
// Respond on the same key to finish first.
func (o *Orchestrator) ResetSession(ctx context.Context, key conversation.Key) string {
	log := o.logger.With(zap.Int64("chat_id", int64(key)))

	release, err := o.store.Acquire(ctx, key)
	if err != nil {
		log.Warn("reset abandoned", zap.Error(err))
		return o.cfg.FallbackMessage
	}
	defer release()

	dropped := o.store.Len(key)
	o.store.Reset(key)
	log.Info("session reset", zap.Int("dropped_turns", dropped))
	o.record(nil, db.EventSessionReset, map[string]any{
		"chat_id":       int64(key),
		"dropped_turns": dropped,
	})
	return o.cfg.ResetMessage
}

func (o *Orchestrator) record(parentID *int64, eventType string, payload map[string]any) int64 {
	if o.events == nil {
		return 0
	}
	id, err := o.events.Record(parentID, eventType, payload)
	if err != nil {
		o.logger.Warn("failed to record event", zap.String("event_type", eventType), zap.Error(err))
		return 0
	}
	return id
}

func (o *Orchestrator) parent(eventID int64) *int64 {
	if eventID == 0 {
		return nil
	}
	return &eventID
}
