// Package dummy provides scripted stand-ins for the chat front-end and the
// completion service, used for offline runs and tests.
//
// A script is a comma separated list of actions consumed one per call; the
// last action repeats once the script is exhausted:
//
//	ok            no updates / default reply / successful send
//	msg:<text>    deliver <text> (commander) or reply <text> (provider)
//	msgb64:<b64>  same as msg with base64 encoded text
//	err:<class>   fail with the given error class
//	sleep:<ms>    sleep, then behave like ok
//	timeout       (provider only) fail as a timed out request
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/model"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch {
		case token == "ok", token == "timeout":
			actions = append(actions, action{kind: token})
		case strings.HasPrefix(token, "err:"):
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
		case strings.HasPrefix(token, "sleep:"):
			actions = append(actions, action{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
		case strings.HasPrefix(token, "msg:"):
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
		case strings.HasPrefix(token, "msgb64:"):
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, "msgb64:"))
			if err != nil {
				return nil, fmt.Errorf("invalid dummy msgb64 action: %w", err)
			}
			actions = append(actions, action{kind: "msg", arg: string(raw)})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent is a message delivered through the dummy Commander.
type Sent struct {
	ChatID int64
	Text   string
}

// Commander is a scripted front-end. Scripted messages arrive from ChatID.
type Commander struct {
	ChatID int64

	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []Sent
	actions  []Sent
}

// NewCommander creates a Commander from a poll script and a send script.
func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{ChatID: 1, poll: poll, send: send}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg":
		c.mu.Lock()
		defer c.mu.Unlock()
		c.updateID++
		text := a.arg
		return []cmdpkg.Update{
			{
				UpdateID: c.updateID,
				Message: &cmdpkg.Message{
					MessageID: c.updateID,
					Chat:      cmdpkg.Chat{ID: c.ChatID},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, Sent{ChatID: chatID, Text: action})
	return nil
}

// Sent returns the messages delivered so far.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Actions returns the chat actions sent so far.
func (c *Commander) Actions() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.actions...)
}

// Provider is a scripted completion backend.
type Provider struct {
	mu       sync.Mutex
	model    string
	script   *scriptRunner
	requests []model.Request
}

// NewProvider creates a Provider replaying script.
func NewProvider(modelName, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: modelName, script: runner}, nil
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) model.Result {
	p.mu.Lock()
	a := p.script.next()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return model.Failed(&model.CompletionError{
			Kind: model.KindTransport,
			Err:  fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api")),
		})
	case "timeout":
		return model.Failed(model.TransportFailure(context.DeadlineExceeded))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return model.Failed(model.TransportFailure(err))
		}
		return withUsage(model.Succeeded("dummy-after-sleep"))
	case "msg":
		return withUsage(model.Succeeded(a.arg))
	default:
		return withUsage(model.Succeeded("dummy-ok"))
	}
}

// Requests returns every request received so far.
func (p *Provider) Requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Request(nil), p.requests...)
}

func withUsage(r model.Result) model.Result {
	r.InputTokens = 1
	r.OutputTokens = 1
	return r
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
