package recorder

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
)

// ReplayExec re-issues one recorded input. The kernel injects the
// engine's execute path with in_replay=true on the command context.
type ReplayExec func(ctx context.Context, input string) (*domain.Value, error)

// ReplayOptions controls a replay session.
type ReplayOptions struct {
	Speed             float64 // pacing factor; <1 inserts inter-command delay
	Breakpoints       []int   // pause before these entry indexes
	StepMode          bool    // pause before every entry
	StartFrom         int     // first entry index to replay
	AbortOnDivergence bool
}

// Divergence describes a replayed result that differs from the
// recording.
type Divergence struct {
	Seq      int
	Input    string
	Recorded any
	Replayed any
}

// ReplaySession drives one replay of a recording. Run blocks until the
// session finishes or aborts; a paused session resumes via Resume.
type ReplaySession struct {
	rec  *Recording
	exec ReplayExec
	opts ReplayOptions

	mu          sync.Mutex
	paused      bool
	resumeCh    chan struct{}
	position    int
	divergences []Divergence
	results     []*domain.Value
}

// Replay opens a session over a loaded recording.
func (r *Recorder) Replay(name string, opts ReplayOptions, exec ReplayExec) (*ReplaySession, error) {
	rec, err := r.Load(name)
	if err != nil {
		return nil, err
	}
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}
	if opts.StartFrom < 0 {
		opts.StartFrom = 0
	}
	return &ReplaySession{rec: rec, exec: exec, opts: opts, resumeCh: make(chan struct{}, 1)}, nil
}

// Position reports the index of the next entry to replay.
func (s *ReplaySession) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Paused reports whether the session is waiting at a breakpoint.
func (s *ReplaySession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resume releases a session paused at a breakpoint.
func (s *ReplaySession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
	}
}

// Divergences returns the mismatches observed so far.
func (s *ReplaySession) Divergences() []Divergence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Divergence, len(s.divergences))
	copy(out, s.divergences)
	return out
}

// Results returns the values produced by the replayed commands.
func (s *ReplaySession) Results() []*domain.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Value, len(s.results))
	copy(out, s.results)
	return out
}

// Run replays the recording in order. A breakpoint at index i (or step
// mode) pauses before entry i until Resume is called or ctx is
// cancelled. Speed below 1.0 inserts (1000/speed - 1000) ms of delay
// between commands. Divergences are reported, and abort the session
// only when AbortOnDivergence is set.
func (s *ReplaySession) Run(ctx context.Context) error {
	breaks := make(map[int]bool, len(s.opts.Breakpoints))
	for _, b := range s.opts.Breakpoints {
		breaks[b] = true
	}

	for i := s.opts.StartFrom; i < len(s.rec.Commands); i++ {
		entry := s.rec.Commands[i]

		s.mu.Lock()
		s.position = i
		s.mu.Unlock()

		if s.opts.StepMode || breaks[i] {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}

		if i > s.opts.StartFrom && s.opts.Speed < 1.0 {
			delay := time.Duration(1000.0/s.opts.Speed-1000.0) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.WrapError(domain.ErrCancelled, ctx.Err(), "replay cancelled")
			}
		}

		v, err := s.exec(ctx, entry.Input)
		if err != nil {
			if entry.Error == "" {
				s.noteDivergence(entry, nil, err.Error())
				if s.opts.AbortOnDivergence {
					return domain.WrapError(domain.ErrExecutionFailure, err,
						"replay diverged at #%d (%q)", i, entry.Input)
				}
			}
			s.appendResult(nil)
			continue
		}

		replayed := v.Export()
		if entry.Error == "" && !resultsEqual(entry.Result, replayed) {
			s.noteDivergence(entry, replayed, "")
			if s.opts.AbortOnDivergence {
				return domain.NewError(domain.ErrExecutionFailure,
					"replay diverged at #%d (%q)", i, entry.Input)
			}
		}
		s.appendResult(v)
	}

	s.mu.Lock()
	s.position = len(s.rec.Commands)
	s.mu.Unlock()
	return nil
}

func (s *ReplaySession) pause(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	select {
	case <-s.resumeCh:
		return nil
	case <-ctx.Done():
		return domain.WrapError(domain.ErrCancelled, ctx.Err(), "replay cancelled at breakpoint")
	}
}

func (s *ReplaySession) appendResult(v *domain.Value) {
	s.mu.Lock()
	s.results = append(s.results, v)
	s.mu.Unlock()
}

func (s *ReplaySession) noteDivergence(entry *Entry, replayed any, replayErr string) {
	d := Divergence{Seq: entry.Seq, Input: entry.Input, Recorded: entry.Result, Replayed: replayed}
	if replayErr != "" {
		d.Replayed = map[string]any{"error": replayErr}
	}
	s.mu.Lock()
	s.divergences = append(s.divergences, d)
	s.mu.Unlock()
	logging.Op().Warn("replay divergence", "seq", entry.Seq, "input", entry.Input)
}

// resultsEqual compares a recorded (JSON-decoded) result with a live
// Export. Both sides normalise through JSON so int64 vs float64 and
// map ordering differences do not count as divergence.
func resultsEqual(recorded, replayed any) bool {
	a, err := json.Marshal(recorded)
	if err != nil {
		return false
	}
	b, err := json.Marshal(replayed)
	if err != nil {
		return false
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
