// Package relay runs the long-polling loop that feeds chat messages to the
// orchestrator and delivers its replies.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/control"
	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/db"
	"github.com/stupiduntilnot/relay/internal/logging"
	"github.com/stupiduntilnot/relay/internal/orchestrator"
)

const interruptNoticeTimeout = 10 * time.Second

const (
	DefaultStartMessage    = "Hi! Send me a message and I will answer. Use /new to start over."
	DefaultDeliveryFailure = "Sorry, something went wrong. Please try again."
)

// Responder produces replies. *orchestrator.Orchestrator implements it.
type Responder interface {
	Handle(ctx context.Context, key conversation.Key, userText string) orchestrator.Reply
	ResetSession(ctx context.Context, key conversation.Key) string
}

// Config controls polling.
type Config struct {
	PollTimeout          int
	Sleep                time.Duration
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	StartMessage         string
	DeliveryFailure      string
}

// Relay polls a Commander and answers each chat on its own worker.
type Relay struct {
	cfg       Config
	commander cmdpkg.Commander
	responder Responder
	db        *sql.DB
	events    orchestrator.EventRecorder
	logger    *zap.Logger
	circuit   *control.CircuitBreaker
	now       func() time.Time
	backoff   func(attempt int) time.Duration

	mu    sync.Mutex
	chats map[int64]*chatQueue
	wg    sync.WaitGroup
}

type job struct {
	updateID int64
	chatID   int64
	text     string
}

type chatQueue struct {
	pending []job
	running bool
}

// Option configures a Relay.
type Option func(*Relay)

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) { r.logger = logging.OrNop(l) }
}

func WithEvents(e orchestrator.EventRecorder) Option {
	return func(r *Relay) { r.events = e }
}

func WithCircuitBreaker(c *control.CircuitBreaker) Option {
	return func(r *Relay) { r.circuit = c }
}

// New creates a Relay. database holds the inbox.
func New(cfg Config, commander cmdpkg.Commander, responder Responder, database *sql.DB, opts ...Option) *Relay {
	if cfg.Sleep <= 0 {
		cfg.Sleep = time.Second
	}
	if cfg.StartMessage == "" {
		cfg.StartMessage = DefaultStartMessage
	}
	if cfg.DeliveryFailure == "" {
		cfg.DeliveryFailure = DefaultDeliveryFailure
	}
	if cfg.PendingMaxMessages <= 0 {
		cfg.PendingMaxMessages = 50
	}
	r := &Relay{
		cfg:       cfg,
		commander: commander,
		responder: responder,
		db:        database,
		logger:    zap.NewNop(),
		now:       time.Now,
		backoff:   control.RetryBackoff,
		chats:     map[int64]*chatQueue{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.circuit == nil {
		r.circuit = control.NewCircuitBreaker(control.DefaultThreshold, control.DefaultCooldown)
	}
	r.circuit.OnTransition = r.onCircuitTransition
	return r
}

// Run polls until ctx is cancelled, then waits for chat workers to finish
// the message they are on.
func (r *Relay) Run(ctx context.Context) error {
	defer r.wg.Wait()

	r.recoverInterrupted(ctx)

	offset, err := db.DeriveOffset(r.db)
	if err != nil {
		return fmt.Errorf("derive offset: %w", err)
	}
	if offset == 0 && r.cfg.DropPending {
		bootstrapped, err := r.bootstrapOffset(ctx)
		if err != nil {
			r.logger.Warn("bootstrap offset failed", zap.Error(err))
		} else {
			offset = bootstrapped
		}
	}
	r.logger.Info("relay running", zap.Int64("offset", offset))

	failures := 0
	for {
		if ctx.Err() != nil {
			r.logger.Info("relay stopping")
			return nil
		}
		if !r.circuit.Allow(r.now()) {
			wait := r.circuit.Remaining(r.now())
			if wait > r.cfg.Sleep {
				wait = r.cfg.Sleep
			}
			control.Sleep(ctx, wait)
			continue
		}

		updates, err := r.commander.GetUpdates(ctx, offset, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			errClass := classifyError(err)
			r.logger.Warn("polling error",
				zap.String("error_class", errClass),
				zap.Int("attempt", failures),
				zap.Error(err),
			)
			r.circuit.RecordFailure(errClass, r.now())
			control.Sleep(ctx, r.backoff(failures))
			continue
		}
		if failures > 0 || r.circuit.State() == control.CircuitHalfOpen {
			failures = 0
			r.circuit.RecordSuccess()
		}

		if len(updates) == 0 {
			control.Sleep(ctx, r.cfg.Sleep)
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			r.accept(ctx, update)
		}
	}
}

func (r *Relay) accept(ctx context.Context, update cmdpkg.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	fresh, err := db.Enqueue(r.db, update.UpdateID, msg.Chat.ID, msg.Date)
	if err != nil {
		r.logger.Error("enqueue failed", zap.Int64("update_id", update.UpdateID), zap.Error(err))
		return
	}
	if !fresh {
		r.logger.Debug("duplicate update ignored", zap.Int64("update_id", update.UpdateID))
		return
	}
	if msg.Text == nil || strings.TrimSpace(*msg.Text) == "" {
		r.markInbox(update.UpdateID, db.InboxSkipped, "")
		return
	}

	r.logger.Info("received message",
		zap.Int64("chat_id", msg.Chat.ID),
		zap.Int64("update_id", update.UpdateID),
		zap.String("text", logging.Truncate(*msg.Text, 200)),
	)
	r.dispatch(ctx, job{updateID: update.UpdateID, chatID: msg.Chat.ID, text: *msg.Text})
}

// dispatch queues j behind earlier messages of the same chat. A worker
// goroutine runs per chat while it has pending messages.
func (r *Relay) dispatch(ctx context.Context, j job) {
	r.mu.Lock()
	q := r.chats[j.chatID]
	if q == nil {
		q = &chatQueue{}
		r.chats[j.chatID] = q
	}
	q.pending = append(q.pending, j)
	if q.running {
		r.mu.Unlock()
		return
	}
	q.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drain(ctx, j.chatID, q)
}

func (r *Relay) drain(ctx context.Context, chatID int64, q *chatQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.pending) == 0 || ctx.Err() != nil {
			left := q.pending
			q.pending = nil
			q.running = false
			delete(r.chats, chatID)
			r.mu.Unlock()
			if len(left) > 0 {
				r.notifyInterrupted(ctx, chatID)
			}
			for _, j := range left {
				r.markInbox(j.updateID, db.InboxFailed, "interrupted")
			}
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		// The message in hand is finished even when shutdown starts.
		r.process(context.WithoutCancel(ctx), j)
	}
}

func (r *Relay) process(ctx context.Context, j job) {
	key := conversation.Key(j.chatID)
	log := r.logger.With(zap.Int64("chat_id", j.chatID), zap.Int64("update_id", j.updateID))

	var (
		text    string
		parent  *int64
		replyOK = true
	)
	cmd, isCommand := cmdpkg.ParseCommand(j.text)
	switch {
	case isCommand && cmd == cmdpkg.CommandStart:
		text = r.cfg.StartMessage
	case isCommand && cmdpkg.IsResetCommand(cmd):
		text = r.responder.ResetSession(ctx, key)
	default:
		if err := r.commander.SendChatAction(ctx, j.chatID, cmdpkg.ActionTyping); err != nil {
			log.Debug("typing action failed", zap.Error(err))
		}
		reply := r.responder.Handle(ctx, key, j.text)
		text = reply.Text
		replyOK = reply.OK
		if reply.EventID != 0 {
			id := reply.EventID
			parent = &id
		}
	}

	if err := r.commander.SendMessage(ctx, j.chatID, text); err != nil {
		log.Warn("reply delivery failed", zap.String("error_class", classifyError(err)), zap.Error(err))
		r.record(parent, db.EventReplyFailed, map[string]any{
			"chat_id":   j.chatID,
			"update_id": j.updateID,
			"error":     logging.Truncate(err.Error(), 1000),
		})
		if err := r.commander.SendMessage(ctx, j.chatID, r.cfg.DeliveryFailure); err != nil {
			log.Warn("failure notice not delivered", zap.Error(err))
		}
		r.markInbox(j.updateID, db.InboxFailed, logging.Truncate(err.Error(), 1000))
		return
	}

	r.record(parent, db.EventReplySent, map[string]any{
		"chat_id":     j.chatID,
		"update_id":   j.updateID,
		"chars":       len([]rune(text)),
		"model_reply": replyOK,
	})
	r.markInbox(j.updateID, db.InboxDone, "")
}

// recoverInterrupted tells chats whose messages were still queued when the
// previous run stopped that they were not answered, then fails those rows.
// Their updates are behind the offset and will not be delivered again.
func (r *Relay) recoverInterrupted(ctx context.Context) {
	chats, err := db.StaleChats(r.db)
	if err != nil {
		r.logger.Warn("failed to list interrupted updates", zap.Error(err))
		return
	}
	for _, chatID := range chats {
		r.notifyInterrupted(ctx, chatID)
	}
	n, err := db.FailStale(r.db)
	if err != nil {
		r.logger.Warn("failed to clear interrupted updates", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("marked interrupted updates failed", zap.Int64("count", n), zap.Int("chats", len(chats)))
	}
}

// notifyInterrupted sends the delivery failure text once to a chat whose
// queued messages will not be answered. It runs during shutdown too, so
// it ignores cancellation of ctx and bounds itself with interruptNoticeTimeout.
func (r *Relay) notifyInterrupted(ctx context.Context, chatID int64) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptNoticeTimeout)
	defer cancel()
	if err := r.commander.SendMessage(nctx, chatID, r.cfg.DeliveryFailure); err != nil {
		r.logger.Warn("interrupted notice not delivered", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	r.record(nil, db.EventReplyFailed, map[string]any{
		"chat_id": chatID,
		"error":   "interrupted",
	})
}

// bootstrapOffset skips updates that piled up while the relay was down,
// keeping at most PendingMaxMessages from inside the pending window.
func (r *Relay) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := r.commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := r.now().Unix() - r.cfg.PendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}
	if len(inWindow) > r.cfg.PendingMaxMessages {
		inWindow = inWindow[len(inWindow)-r.cfg.PendingMaxMessages:]
	}
	return inWindow[0].UpdateID, nil
}

func (r *Relay) onCircuitTransition(from, to control.CircuitState, errClass string) {
	var eventType string
	switch to {
	case control.CircuitOpen:
		eventType = db.EventCircuitOpened
		r.logger.Warn("circuit opened", zap.String("error_class", errClass), zap.Duration("cooldown", r.circuit.Cooldown))
	case control.CircuitHalfOpen:
		eventType = db.EventCircuitHalfOpen
		r.logger.Info("circuit half open", zap.String("error_class", errClass))
	case control.CircuitClosed:
		eventType = db.EventCircuitClosed
		r.logger.Info("circuit closed", zap.String("error_class", errClass))
	default:
		return
	}
	r.record(nil, eventType, map[string]any{
		"from":             string(from),
		"error_class":      errClass,
		"threshold":        r.circuit.Threshold,
		"cooldown_seconds": int(r.circuit.Cooldown.Seconds()),
	})
}

func (r *Relay) markInbox(updateID int64, status, errMsg string) {
	if err := db.MarkInbox(r.db, updateID, status, errMsg); err != nil {
		r.logger.Error("inbox update failed", zap.Int64("update_id", updateID), zap.Error(err))
	}
}

func (r *Relay) record(parentID *int64, eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Record(parentID, eventType, payload); err != nil {
		r.logger.Warn("failed to record event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// classifyError maps an error to the class the circuit breaker counts.
func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "telegram", "commander"):
		return "command_source_api"
	case containsAny(msg, "openai", "provider", "completion"):
		return "provider_api"
	case containsAny(msg, "sqlite", "database", "inbox"):
		return "db"
	default:
		return "unknown"
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
