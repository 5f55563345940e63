package automation

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grindbot/internal/scheduler"
	logx "grindbot/pkg/logx"
)

// Factory builds a fresh executor from trigger params.
type Factory func(params map[string]string) (scheduler.Executor, error)

// Registry maps trigger action names to executor factories.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Factory{}}
}

func (r *Registry) Register(action string, f Factory) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" || f == nil {
		return
	}
	r.mu.Lock()
	r.m[action] = f
	r.mu.Unlock()
}

// Resolve satisfies trigger.Resolver.
func (r *Registry) Resolve(action string, params map[string]string) (scheduler.Executor, error) {
	r.mu.RLock()
	f, ok := r.m[strings.ToLower(strings.TrimSpace(action))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return f(params)
}

// RegisterBuiltins wires the standard action kinds.
//
// "probe" is always available. "screen" and "sequence" are registered only
// when a recognizer/injector is provided; on headless setups they stay
// unresolvable and the trigger service logs it.
func (r *Registry) RegisterBuiltins(processName string, rec Recognizer, inj Injector, limiter *rate.Limiter, log logx.Logger) {
	r.Register("probe", func(params map[string]string) (scheduler.Executor, error) {
		name := processName
		if v := strings.TrimSpace(params["process"]); v != "" {
			name = v
		}
		return NewProcessProbe(name, log), nil
	})

	if rec != nil {
		r.Register("screen", func(params map[string]string) (scheduler.Executor, error) {
			want := strings.TrimSpace(params["state"])
			if want == "" {
				return nil, fmt.Errorf("screen action requires a 'state' param")
			}
			conf := 0.0
			if v := params["confidence"]; v != "" {
				c, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid confidence %q", v)
				}
				conf = c
			}
			var interval time.Duration
			if v := params["poll"]; v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return nil, fmt.Errorf("invalid poll interval %q", v)
				}
				interval = d
			}
			return NewScreenWatch(rec, want, conf, interval, log), nil
		})
	}

	if inj != nil {
		r.Register("sequence", func(params map[string]string) (scheduler.Executor, error) {
			actions, err := ParseActions(params["actions"])
			if err != nil {
				return nil, err
			}
			return NewActionSequence(inj, actions, limiter, log), nil
		})
	}
}

// ParseActions parses a compact action list:
//
//	"key:space, click:100:200, wait"
func ParseActions(raw string) ([]Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("sequence action requires an 'actions' param")
	}
	var out []Action
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		switch fields[0] {
		case "key":
			if len(fields) != 2 || fields[1] == "" {
				return nil, fmt.Errorf("actions[%d]: want key:<name>", i)
			}
			out = append(out, Action{Kind: "key", Key: fields[1]})
		case "click":
			if len(fields) != 3 {
				return nil, fmt.Errorf("actions[%d]: want click:<x>:<y>", i)
			}
			x, errX := strconv.Atoi(fields[1])
			y, errY := strconv.Atoi(fields[2])
			if errX != nil || errY != nil {
				return nil, fmt.Errorf("actions[%d]: bad coordinates %q", i, part)
			}
			out = append(out, Action{Kind: "click", X: x, Y: y})
		case "wait":
			out = append(out, Action{Kind: "wait"})
		default:
			return nil, fmt.Errorf("actions[%d]: unknown kind %q", i, fields[0])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no actions parsed from %q", raw)
	}
	return out, nil
}
