package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "grindbot/pkg/logx"
)

// scriptedRecognizer replays a fixed sequence of observations, sticking on the
// last one once the script runs out.
type scriptedRecognizer struct {
	mu     sync.Mutex
	script []struct {
		state string
		conf  float64
		err   error
	}
	i int
}

func (r *scriptedRecognizer) add(state string, conf float64, err error) {
	r.script = append(r.script, struct {
		state string
		conf  float64
		err   error
	}{state, conf, err})
}

func (r *scriptedRecognizer) Recognize(ctx context.Context) (string, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.script[r.i]
	if r.i < len(r.script)-1 {
		r.i++
	}
	return s.state, s.conf, s.err
}

func TestScreenWatchReachesState(t *testing.T) {
	t.Parallel()
	rec := &scriptedRecognizer{}
	rec.add("loading", 0.99, nil)
	rec.add("", 0, errors.New("capture glitch"))
	rec.add("lobby", 0.5, nil) // right state, weak confidence
	rec.add("lobby", 0.95, nil)

	w := NewScreenWatch(rec, "lobby", 0.8, time.Millisecond, logx.Nop())
	res, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %v", res.Data)
	}
	if data["state"] != "lobby" {
		t.Fatalf("data = %v", res.Data)
	}
	if got := w.Status(); got != "saw lobby" {
		t.Fatalf("Status = %q", got)
	}
}

func TestScreenWatchMatchesCaseInsensitively(t *testing.T) {
	t.Parallel()
	rec := &scriptedRecognizer{}
	rec.add("LOBBY", 0.9, nil)

	w := NewScreenWatch(rec, "lobby", 0.8, time.Millisecond, logx.Nop())
	if _, err := w.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestScreenWatchHonorsDeadline(t *testing.T) {
	t.Parallel()
	rec := &scriptedRecognizer{}
	rec.add("loading", 0.99, nil)

	w := NewScreenWatch(rec, "lobby", 0.8, time.Millisecond, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := w.Execute(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestScreenWatchCancel(t *testing.T) {
	t.Parallel()
	rec := &scriptedRecognizer{}
	rec.add("loading", 0.99, nil)

	w := NewScreenWatch(rec, "lobby", 0.8, time.Millisecond, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	w.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
}

func TestScreenWatchValidation(t *testing.T) {
	t.Parallel()
	w := NewScreenWatch(nil, "lobby", 0, 0, logx.Nop())
	if _, err := w.Execute(context.Background()); err == nil {
		t.Fatal("expected error for nil recognizer")
	}

	w = NewScreenWatch(&scriptedRecognizer{}, "   ", 0, 0, logx.Nop())
	if _, err := w.Execute(context.Background()); err == nil {
		t.Fatal("expected error for empty target state")
	}
}
