// Package trigger fires recurring automation jobs into the task scheduler.
//
// Triggers are declared in config. Each firing submits a fresh task (unique
// id per firing) built by the executor resolver; the trigger service never
// executes anything itself.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"grindbot/internal/config"
	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// Resolver builds an executor for a trigger action. The app layer installs
// one that knows the available automation kinds.
type Resolver func(action string, params map[string]string) (scheduler.Executor, error)

// Submitter is the slice of the scheduler the trigger service needs.
type Submitter interface {
	Schedule(id string, exec scheduler.Executor, opts scheduler.Options) error
}

// def is one registered trigger with its parsed schedule.
type def struct {
	id         string
	spec       Spec
	rawSpec    string
	action     string
	priority   scheduler.Priority
	timeout    time.Duration
	maxRetries int
	params     map[string]string

	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sched   Submitter
	resolve Resolver

	parser cron.Parser
	c      *cron.Cron
	defs   []def

	// firing counter per trigger id, makes task ids unique across firings
	fireSeq map[string]uint64

	// submit error throttling, key is trigger id
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(sched Submitter, resolve Resolver, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		sched:   sched,
		resolve: resolve,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		fireSeq:  map[string]uint64{},
		lastWarn: map[string]time.Time{},
	}
}

// Apply replaces the registered trigger set. If the service is running the
// cron runtime is rebuilt so removed triggers stop firing immediately.
func (s *Service) Apply(triggers []config.TriggerConfig) error {
	defs, err := buildDefs(triggers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = defs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Validate checks a trigger set without applying it. Used by the config
// validator so a bad hot-reload is rejected before commit.
func Validate(triggers []config.TriggerConfig) error {
	_, err := buildDefs(triggers)
	return err
}

func buildDefs(triggers []config.TriggerConfig) ([]def, error) {
	seen := map[string]struct{}{}
	out := make([]def, 0, len(triggers))
	for i, tc := range triggers {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return nil, fmt.Errorf("triggers[%d]: id required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("triggers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		spec, err := ParseSchedule(tc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", id, err)
		}
		if strings.TrimSpace(tc.Action) == "" {
			return nil, fmt.Errorf("trigger %q: action required", id)
		}
		prio, err := scheduler.ParsePriority(tc.Priority)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", id, err)
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("triggers[%d].timeout", i), tc.Timeout)
		if err != nil {
			return nil, err
		}

		out = append(out, def{
			id:         id,
			spec:       spec,
			rawSpec:    strings.TrimSpace(tc.Schedule),
			action:     strings.TrimSpace(tc.Action),
			priority:   prio,
			timeout:    timeout,
			maxRetries: tc.MaxRetries,
			params:     tc.Params,
		})
	}
	return out, nil
}

// Start begins firing triggers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("triggers", len(s.defs)))
}

// Stop stops firing. In-flight tasks already handed to the scheduler are not
// touched; the scheduler owns their lifecycle.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = cron.New(cron.WithParser(s.parser))
	for i := range s.defs {
		s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	if old != nil {
		go func() { <-old.Stop().Done() }()
	}
}

func (s *Service) addCronLocked(d *def) {
	job := func() { s.fire(d.id) }

	var (
		entryID cron.EntryID
		err     error
	)
	switch d.spec.Kind {
	case SpecCron:
		entryID, err = s.c.AddFunc(d.spec.Cron, job)
	case SpecInterval:
		entryID, err = s.c.AddFunc(fmt.Sprintf("@every %s", d.spec.Every), job)
	}
	if err != nil {
		// buildDefs validated the grammar but not cron field ranges; log and skip.
		s.log.Error("trigger registration failed",
			logx.String("trigger", d.id),
			logx.String("schedule", d.rawSpec),
			logx.Err(err))
		return
	}
	d.entryID = entryID
}

// fire submits one task for a trigger occurrence.
func (s *Service) fire(id string) {
	s.mu.Lock()
	var d *def
	for i := range s.defs {
		if s.defs[i].id == id {
			d = &s.defs[i]
			break
		}
	}
	if d == nil {
		s.mu.Unlock()
		return
	}
	s.fireSeq[id]++
	taskID := fmt.Sprintf("%s#%d", id, s.fireSeq[id])
	action, params := d.action, d.params
	opts := scheduler.Options{
		Priority:   d.priority,
		Timeout:    d.timeout,
		MaxRetries: d.maxRetries,
		Metadata:   map[string]string{"trigger": id, "action": action},
	}
	s.mu.Unlock()

	exec, err := s.resolve(action, params)
	if err != nil {
		s.warnThrottled(id, "trigger action unresolved", err)
		return
	}
	if err := s.sched.Schedule(taskID, exec, opts); err != nil {
		s.warnThrottled(id, "trigger submit failed", err)
		return
	}
	s.log.Debug("trigger fired", logx.String("trigger", id), logx.String("task", taskID))
}

// warnThrottled logs at most once per minute per trigger so a misconfigured
// high-frequency trigger doesn't flood the log.
func (s *Service) warnThrottled(id, msg string, err error) {
	s.warnMu.Lock()
	last := s.lastWarn[id]
	now := time.Now()
	throttled := now.Sub(last) < time.Minute
	if !throttled {
		s.lastWarn[id] = now
	}
	s.warnMu.Unlock()
	if throttled {
		return
	}
	s.log.Warn(msg, logx.String("trigger", id), logx.Err(err))
}

// Snapshot describes the registered triggers for diagnostics.
type Snapshot struct {
	Running  bool
	Triggers []TriggerInfo
}

type TriggerInfo struct {
	ID       string
	Schedule string
	Action   string
	Priority scheduler.Priority
	Next     time.Time
	Prev     time.Time
	Firings  uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil}
	for i := range s.defs {
		d := &s.defs[i]
		ti := TriggerInfo{
			ID:       d.id,
			Schedule: d.rawSpec,
			Action:   d.action,
			Priority: d.priority,
			Firings:  s.fireSeq[d.id],
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ti.Next, ti.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, ti)
	}
	return snap
}
