package history

import (
	"context"
	"time"

	"grindbot/internal/eventbus"
	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// Recorder bridges scheduler terminal events to a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

// Run consumes terminal task events until ctx is cancelled. Intended to run
// under the supervisor; it returns nil on clean shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return nil
	}
	ch, unsub := eventbus.SubscribeTypes(r.bus, 64,
		scheduler.EventTaskCompleted,
		scheduler.EventTaskFailed,
		scheduler.EventTaskCancelled,
	)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			te, ok := e.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			rec := TaskRecord{
				At:       e.Time,
				TaskID:   te.ID,
				State:    string(te.State),
				Priority: te.Priority.String(),
				Attempts: te.Attempts,
				Duration: te.Duration,
				Error:    te.Error,
			}
			actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.store.Append(actx, rec)
			cancel()
			if err != nil {
				r.log.Warn("history append failed", logx.String("task", te.ID), logx.Err(err))
			}
		}
	}
}
