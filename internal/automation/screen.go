package automation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// Recognizer classifies the current screen. Implementations wrap whatever
// capture pipeline the platform provides; the executor only sees the state
// label and a confidence score.
type Recognizer interface {
	Recognize(ctx context.Context) (state string, confidence float64, err error)
}

// ScreenWatch polls the recognizer until the screen reaches the wanted state
// or the attempt context expires. The scheduler's per-task timeout bounds the
// wait; ScreenWatch itself never gives up.
type ScreenWatch struct {
	rec      Recognizer
	want     string
	minConf  float64
	interval time.Duration
	log      logx.Logger

	cancelled atomic.Bool
	lastState atomic.Value // string
}

func NewScreenWatch(rec Recognizer, wantState string, minConfidence float64, pollInterval time.Duration, log logx.Logger) *ScreenWatch {
	if minConfidence <= 0 {
		minConfidence = 0.8
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &ScreenWatch{
		rec:      rec,
		want:     strings.TrimSpace(wantState),
		minConf:  minConfidence,
		interval: pollInterval,
		log:      log,
	}
	w.lastState.Store("")
	return w
}

func (w *ScreenWatch) Execute(ctx context.Context) (scheduler.Result, error) {
	if w.rec == nil {
		return scheduler.Result{}, fmt.Errorf("recognizer is nil")
	}
	if w.want == "" {
		return scheduler.Result{}, fmt.Errorf("target state is empty")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	polls := 0
	for {
		if w.cancelled.Load() {
			return scheduler.Result{}, context.Canceled
		}

		state, conf, err := w.rec.Recognize(ctx)
		polls++
		if err != nil {
			// Recognition glitches (capture failure, partial frame) are normal;
			// keep polling until the attempt deadline decides.
			w.log.Debug("recognize failed", logx.Err(err))
		} else {
			w.lastState.Store(state)
			if strings.EqualFold(state, w.want) && conf >= w.minConf {
				return scheduler.Result{
					Success: true,
					Message: fmt.Sprintf("screen reached %q (confidence %.2f)", state, conf),
					Data:    map[string]any{"state": state, "confidence": conf, "polls": polls},
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return scheduler.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ScreenWatch) Cancel() { w.cancelled.Store(true) }

func (w *ScreenWatch) Status() string {
	s, _ := w.lastState.Load().(string)
	if s == "" {
		return "watching"
	}
	return "saw " + s
}
