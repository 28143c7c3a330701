package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/metrics"
	"pagerelay/internal/provider"
	"pagerelay/internal/ratelimit"
)

// AIClient produces a reply for a sender's text.
type AIClient interface {
	Respond(ctx context.Context, cfg *config.Config, senderID, text string) (domain.AIReply, error)
}

// PlatformClient delivers messages and sender actions.
type PlatformClient interface {
	SendText(ctx context.Context, cfg *config.Config, recipientID, text string) error
	SendAction(ctx context.Context, cfg *config.Config, recipientID string, action domain.SenderAction) error
}

// Admitter decides whether a sender may send another event.
type Admitter interface {
	Admit(ctx context.Context, senderID string, now time.Time, p ratelimit.Policy) bool
}

// Outcomes recorded per event.
const (
	OutcomeEcho        = "echo"
	OutcomeRateLimited = "rate_limited"
	OutcomeDisabled    = "bot_disabled"
	OutcomeTextOnly    = "text_only"
	OutcomeWelcome     = "welcome"
	OutcomeReplied     = "replied"
	OutcomeAIFailed    = "ai_failed"
	OutcomeIgnored     = "ignored"
)

// Dispatcher runs each normalized event through the rate limit and on to
// the right reply path.
type Dispatcher struct {
	ai       AIClient
	platform PlatformClient
	limiter  Admitter
	logger   *slog.Logger
	now      func() time.Time
}

type DispatcherConfig struct {
	AI       AIClient
	Platform PlatformClient
	Limiter  Admitter
	Logger   *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		ai:       cfg.AI,
		platform: cfg.Platform,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger.With("component", "dispatcher"),
		now:      time.Now,
	}
}

// Dispatch handles events strictly in order. One sender's event is fully
// answered before the next event starts.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *config.Config, events []domain.InboundEvent) {
	for _, ev := range events {
		outcome := d.Handle(ctx, cfg, ev)
		metrics.EventsTotal.With(outcome).Inc()
	}
}

// Handle processes one event and returns its outcome.
func (d *Dispatcher) Handle(ctx context.Context, cfg *config.Config, ev domain.InboundEvent) string {
	log := d.logger.With("sender", ev.SenderID, "kind", ev.Kind)

	// Echoes are our own outbound messages; they cost no quota and get no reply.
	if ev.Kind == domain.KindEcho {
		log.Debug("dropping echo")
		return OutcomeEcho
	}

	policy := ratelimit.Policy{Max: cfg.Settings.RateLimitMessages, Window: cfg.RateWindow()}
	if !d.limiter.Admit(ctx, ev.SenderID, d.now(), policy) {
		metrics.RateLimited.Inc()
		d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.RateLimitMessage)
		return OutcomeRateLimited
	}

	switch ev.Kind {
	case domain.KindPostbackStart:
		d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.WelcomeMessage)
		return OutcomeWelcome
	case domain.KindAttachment:
		if !cfg.AIEngine.BotEnabled {
			d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.BotDisabledMessage)
			return OutcomeDisabled
		}
		d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.TextOnlyMessage)
		return OutcomeTextOnly
	case domain.KindText:
		if !cfg.AIEngine.BotEnabled {
			d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.BotDisabledMessage)
			return OutcomeDisabled
		}
		return d.reply(ctx, cfg, log, ev)
	}

	log.Warn("unhandled event kind")
	return OutcomeIgnored
}

func (d *Dispatcher) reply(ctx context.Context, cfg *config.Config, log *slog.Logger, ev domain.InboundEvent) string {
	log.Info("received", "text", preview(ev.Text), "postback", ev.FromPostback())

	d.sendAction(ctx, cfg, log, ev.SenderID, domain.ActionMarkSeen)
	if cfg.Settings.ShowTyping {
		d.sendAction(ctx, cfg, log, ev.SenderID, domain.ActionTypingOn)
	}
	if s := cfg.Settings; s.ShowProcessingMessage && utf8.RuneCountInString(ev.Text) > s.ProcessingMessageMinLength {
		d.sendText(ctx, cfg, log, ev.SenderID, s.ProcessingMessage)
	}

	reply, err := d.ai.Respond(ctx, cfg, ev.SenderID, ev.Text)

	if cfg.Settings.ShowTyping {
		d.sendAction(ctx, cfg, log, ev.SenderID, domain.ActionTypingOff)
	}

	if err != nil {
		if errors.Is(err, provider.ErrRetriesExhausted) {
			log.Error("ai retries exhausted, sending error template", "err", err)
		} else {
			log.Error("ai request failed, sending error template", "err", err)
		}
		d.sendText(ctx, cfg, log, ev.SenderID, cfg.Prompts.ErrorMessage)
		return OutcomeAIFailed
	}

	d.sendText(ctx, cfg, log, ev.SenderID, reply.Text)
	log.Info("replied", "text", preview(reply.Text), "truncated", reply.Truncated)
	return OutcomeReplied
}

func (d *Dispatcher) sendText(ctx context.Context, cfg *config.Config, log *slog.Logger, to, text string) {
	if err := d.platform.SendText(ctx, cfg, to, text); err != nil {
		log.Error("send failed", "err", err)
	}
}

func (d *Dispatcher) sendAction(ctx context.Context, cfg *config.Config, log *slog.Logger, to string, action domain.SenderAction) {
	if err := d.platform.SendAction(ctx, cfg, to, action); err != nil {
		log.Warn("sender action failed", "action", action, "err", err)
	}
}

// preview returns the first 100 characters of s for logging.
func preview(s string) string {
	const n = 100
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
