// Package notifier pushes task failure alerts to a Telegram chat.
//
// It is intentionally best-effort: alerts are rate limited and a failed send
// is logged, never retried into a backlog. The bot never polls for updates;
// it is send-only.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"grindbot/internal/eventbus"
	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int

	// MinEvents selects what gets alerted: "failures" (default) alerts on
	// task.failed and scheduler.stopped, "all" also covers completions and
	// cancellations.
	MinEvents string
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier chat_id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		bot: bot,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

func (s *Service) eventTypes() []string {
	types := []string{scheduler.EventTaskFailed, scheduler.EventStopped}
	if strings.EqualFold(strings.TrimSpace(s.cfg.MinEvents), "all") {
		types = append(types, scheduler.EventTaskCompleted, scheduler.EventTaskCancelled)
	}
	return types
}

// Run consumes scheduler events and forwards alerts until ctx is cancelled.
// Intended to run under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := eventbus.SubscribeTypes(s.bus, 64, s.eventTypes()...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text := formatAlert(e)
			if text == "" {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			s.send(text)
		}
	}
}

func (s *Service) send(text string) {
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
	}
}

func formatAlert(e eventbus.Event) string {
	switch e.Type {
	case scheduler.EventStopped:
		return "⏹ scheduler stopped"
	}

	te, ok := e.Data.(scheduler.TaskEvent)
	if !ok {
		return ""
	}
	switch e.Type {
	case scheduler.EventTaskFailed:
		msg := fmt.Sprintf("🚨 task %s failed after %d attempt(s)", te.ID, te.Attempts+1)
		if te.Error != "" {
			msg += "\n" + te.Error
		}
		return msg
	case scheduler.EventTaskCompleted:
		return fmt.Sprintf("✅ task %s completed in %s", te.ID, te.Duration.Round(time.Millisecond))
	case scheduler.EventTaskCancelled:
		return fmt.Sprintf("⏸ task %s cancelled", te.ID)
	default:
		return ""
	}
}
