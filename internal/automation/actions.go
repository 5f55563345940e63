package automation

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// Action is one synthetic input step.
type Action struct {
	Kind string // "key" | "click" | "wait"
	Key  string // key kind
	X, Y int    // click kind
}

// Injector delivers synthetic input to the game. Implementations are
// platform-specific; tests use fakes.
type Injector interface {
	Press(ctx context.Context, key string) error
	Click(ctx context.Context, x, y int) error
}

// ActionSequence replays a list of input actions, paced by a shared rate
// limiter so concurrent tasks cannot flood the game with input.
type ActionSequence struct {
	inj     Injector
	actions []Action
	limiter *rate.Limiter
	log     logx.Logger

	cancelled atomic.Bool
	step      atomic.Int64
}

// NewInputLimiter builds the shared pacing limiter. ratePerSec <= 0 picks a
// conservative 10 events/sec.
func NewInputLimiter(ratePerSec int) *rate.Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), 1)
}

func NewActionSequence(inj Injector, actions []Action, limiter *rate.Limiter, log logx.Logger) *ActionSequence {
	if limiter == nil {
		limiter = NewInputLimiter(0)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ActionSequence{inj: inj, actions: actions, limiter: limiter, log: log}
}

func (a *ActionSequence) Execute(ctx context.Context) (scheduler.Result, error) {
	if a.inj == nil {
		return scheduler.Result{}, fmt.Errorf("injector is nil")
	}
	if len(a.actions) == 0 {
		return scheduler.Result{Success: true, Message: "no actions"}, nil
	}

	for i, act := range a.actions {
		if a.cancelled.Load() {
			return scheduler.Result{}, context.Canceled
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return scheduler.Result{}, err
		}
		a.step.Store(int64(i))

		var err error
		switch act.Kind {
		case "key":
			err = a.inj.Press(ctx, act.Key)
		case "click":
			err = a.inj.Click(ctx, act.X, act.Y)
		case "wait":
			// pacing only; the limiter wait above already spent a token
		default:
			err = fmt.Errorf("unknown action kind %q", act.Kind)
		}
		if err != nil {
			return scheduler.Result{}, fmt.Errorf("action %d (%s): %w", i, act.Kind, err)
		}
	}

	return scheduler.Result{
		Success: true,
		Message: fmt.Sprintf("replayed %d action(s)", len(a.actions)),
		Data:    map[string]any{"actions": len(a.actions)},
	}, nil
}

func (a *ActionSequence) Cancel() { a.cancelled.Store(true) }

func (a *ActionSequence) Status() string {
	return fmt.Sprintf("step %d/%d", a.step.Load()+1, len(a.actions))
}
