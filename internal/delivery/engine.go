// Package delivery sends alert messages over an unreliable channel.
//
// The engine's value-add is the retry wrapper around "send one message":
// bounded attempts with exponential backoff, plus a one-shot session
// recovery (stop, start, wait, extra retry) when the failure indicates
// the channel session itself is broken rather than the send.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"aqinotify/internal/metrics"
	"aqinotify/internal/waha"
	"aqinotify/pkg/logx"
)

// Channel is the messaging transport the engine drives.
// *waha.Client satisfies it.
type Channel interface {
	SendText(ctx context.Context, chatID, text string) (*waha.SendResult, error)
	StartSession(ctx context.Context) error
	StopSession(ctx context.Context) error
}

// Policy holds the retry/backoff/recovery knobs.
// The zero value normalizes to the production defaults.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	Exponential   bool
	RecoveryDelay time.Duration
	RestartPause  time.Duration

	// RatePerSec throttles sends across recipients; <= 0 disables the limiter.
	RatePerSec int
}

// DefaultPolicy matches the deployed configuration: three attempts,
// 5s/10s backoff, 2s restart pause, 10s recovery delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     5 * time.Second,
		Exponential:   true,
		RecoveryDelay: 10 * time.Second,
		RestartPause:  2 * time.Second,
		RatePerSec:    1,
	}
}

func (p *Policy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 5 * time.Second
	}
	if p.RecoveryDelay <= 0 {
		p.RecoveryDelay = 10 * time.Second
	}
	if p.RestartPause <= 0 {
		p.RestartPause = 2 * time.Second
	}
}

// Result is the terminal outcome for one recipient.
type Result struct {
	Recipient string          `json:"recipient"`
	ChatID    string          `json:"chat_id"`
	Success   bool            `json:"success"`
	MessageID string          `json:"message_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	Recovered bool            `json:"recovered,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// SleepFunc suspends the caller for d or until ctx is done.
// Injectable so tests never sleep for real.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Engine struct {
	channel Channel
	policy  Policy
	limiter *rate.Limiter
	sleep   SleepFunc
	log     logx.Logger
}

func NewEngine(channel Channel, policy Policy, log logx.Logger) *Engine {
	policy.normalize()
	e := &Engine{
		channel: channel,
		policy:  policy,
		sleep:   sleepContext,
		log:     log,
	}
	if policy.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSec), policy.RatePerSec)
	}
	return e
}

// SetSleeper overrides the sleep function (tests).
func (e *Engine) SetSleeper(s SleepFunc) {
	if s != nil {
		e.sleep = s
	}
}

// newBackOff builds the inter-attempt delay source: 5s, 10s, ... when
// exponential, constant BaseDelay otherwise.
func (e *Engine) newBackOff() backoff.BackOff {
	if !e.policy.Exponential {
		return backoff.NewConstantBackOff(e.policy.BaseDelay)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 16 * e.policy.BaseDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Send delivers one message to one recipient, retrying per policy.
// The returned Result is terminal; Send never returns an error.
func (e *Engine) Send(ctx context.Context, recipient, message string) Result {
	chatID := waha.FormatRecipient(recipient)
	res := Result{Recipient: recipient, ChatID: chatID}

	log := e.log.With(
		logx.String("recipient", waha.MaskRecipient(chatID)),
		logx.Int("message_len", len(message)),
	)

	bo := e.newBackOff()
	recovered := false

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt

		errText, sessionErr, done := e.attempt(ctx, log, chatID, message, attempt, &res)
		if done {
			return res
		}
		res.Error = errText

		if sessionErr && !recovered {
			recovered = true
			res.Recovered = true
			if e.recoverSession(ctx, log) {
				// Extra retry right after recovery; it does not count
				// against the normal attempt budget.
				errText, _, done := e.attempt(ctx, log, chatID, message, attempt, &res)
				if done {
					return res
				}
				res.Error = errText
			}
		}

		if attempt < e.policy.MaxAttempts {
			delay := bo.NextBackOff()
			log.Debug("retrying after backoff",
				logx.Int("attempt", attempt), logx.Duration("delay", delay))
			if err := e.sleep(ctx, delay); err != nil {
				res.Error = fmt.Sprintf("canceled: %v", err)
				return res
			}
		}
	}

	log.Error("delivery exhausted",
		logx.Int("attempts", res.Attempts), logx.String("err", res.Error))
	return res
}

// attempt performs a single send. done=true means the result is terminal
// (success or context cancellation).
func (e *Engine) attempt(ctx context.Context, log logx.Logger, chatID, message string, attempt int, res *Result) (errText string, sessionErr, done bool) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Error = fmt.Sprintf("canceled: %v", err)
			return res.Error, false, true
		}
	}

	metrics.SendAttemptsTotal.Inc()
	log.Info("sending channel message", logx.Int("attempt", attempt))

	sr, err := e.channel.SendText(ctx, chatID, message)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			res.Error = fmt.Sprintf("canceled: %v", ctx.Err())
			return res.Error, false, true
		}
		errText = err.Error()
		sessionErr = isSessionError(0, errText)
	case sr.Success:
		res.Success = true
		res.MessageID = sr.MessageID
		res.Error = ""
		res.Response = sr.Raw
		log.Info("channel message sent",
			logx.Int("attempt", attempt), logx.String("message_id", sr.MessageID))
		return "", false, true
	default:
		errText = fmt.Sprintf("status %d: %s", sr.HTTPStatus, sr.ErrorBody)
		sessionErr = isSessionError(sr.HTTPStatus, sr.ErrorBody)
	}

	log.Warn("channel send attempt failed",
		logx.Int("attempt", attempt),
		logx.Bool("session_error", sessionErr),
		logx.String("err", errText))
	return errText, sessionErr, false
}

// recoverSession restarts the channel session: stop, fixed pause, start,
// then a fixed settle delay. Returns false when recovery itself failed;
// the caller falls through to normal backoff either way.
func (e *Engine) recoverSession(ctx context.Context, log logx.Logger) bool {
	metrics.SessionRecoveriesTotal.Inc()
	log.Warn("session error detected, restarting channel session")

	if err := e.channel.StopSession(ctx); err != nil {
		log.Error("session recovery: stop failed", logx.Err(err))
		// A stop failure is not terminal; the start below may still fix it.
	}
	if err := e.sleep(ctx, e.policy.RestartPause); err != nil {
		return false
	}
	if err := e.channel.StartSession(ctx); err != nil {
		log.Error("session recovery: start failed", logx.Err(err))
		return false
	}
	if err := e.sleep(ctx, e.policy.RecoveryDelay); err != nil {
		return false
	}
	log.Info("channel session restarted")
	return true
}

// SendAll delivers message to each recipient in order, one result per
// recipient. Individual failures never abort the remaining sends.
func (e *Engine) SendAll(ctx context.Context, recipients []string, message string) []Result {
	results := make([]Result, 0, len(recipients))
	for _, r := range recipients {
		results = append(results, e.Send(ctx, r, message))
	}
	return results
}

// sessionErrorMarkers are substrings of gateway errors that mean the
// session is not usable (as opposed to a transient send failure).
var sessionErrorMarkers = []string{
	"status is not as expected",
	"needs to be restarted",
	"session not found",
}

// sessionStateMarkers are raw session state names leaked into error
// bodies; matched case-sensitively to avoid false hits on prose.
var sessionStateMarkers = []string{
	waha.StatusStarting,
	waha.StatusScanQRCode,
	waha.StatusFailed,
}

// isSessionError classifies a failed send: HTTP 422 or any known
// session marker in the error text means the session needs recovery.
func isSessionError(httpStatus int, text string) bool {
	if httpStatus == http.StatusUnprocessableEntity {
		return true
	}
	lower := strings.ToLower(text)
	for _, m := range sessionErrorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, m := range sessionStateMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
