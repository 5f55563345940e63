package automation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/process"

	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// ProcessProbe checks that the target game process is running and reports its
// pid and memory footprint. It fails (retryably) when the process is absent,
// so the scheduler's retry/backoff doubles as a launch grace period.
type ProcessProbe struct {
	name string
	log  logx.Logger

	cancelled atomic.Bool
	status    atomic.Value // string
}

func NewProcessProbe(processName string, log logx.Logger) *ProcessProbe {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &ProcessProbe{name: strings.TrimSpace(processName), log: log}
	p.status.Store("idle")
	return p
}

func (p *ProcessProbe) Execute(ctx context.Context) (scheduler.Result, error) {
	if p.name == "" {
		return scheduler.Result{}, fmt.Errorf("process name is empty")
	}
	p.status.Store("scanning")
	defer p.status.Store("done")

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("process scan: %w", err)
	}

	for _, proc := range procs {
		if p.cancelled.Load() {
			return scheduler.Result{}, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return scheduler.Result{}, err
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue // process may have exited mid-scan
		}
		if !strings.EqualFold(name, p.name) {
			continue
		}

		data := map[string]any{"pid": proc.Pid, "name": name}
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			data["rss_bytes"] = mi.RSS
		}
		p.log.Debug("game process found", logx.String("name", name), logx.Int("pid", int(proc.Pid)))
		return scheduler.Result{
			Success: true,
			Message: fmt.Sprintf("process %q running (pid %d)", name, proc.Pid),
			Data:    data,
		}, nil
	}

	return scheduler.Result{}, fmt.Errorf("process %q not running", p.name)
}

func (p *ProcessProbe) Cancel() { p.cancelled.Store(true) }

func (p *ProcessProbe) Status() string {
	s, _ := p.status.Load().(string)
	return s
}
