package resilience

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

var (
	errStore    = errors.New("store unavailable")
	errNotFound = errors.New("no such item")
)

func fail(err error) func() error { return func() error { return err } }

func succeed() error { return nil }

// transitions records OnStateChange calls.
type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, from.String()+">"+to.String())
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.got)
}

func TestCircuitBreaker_Trips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		calls     []func() error
		wantState State
	}{
		{
			name:      "successes keep it closed",
			calls:     []func() error{succeed, succeed, succeed},
			wantState: StateClosed,
		},
		{
			name:      "consecutive faults open it",
			calls:     []func() error{fail(errStore), fail(errStore), fail(errStore)},
			wantState: StateOpen,
		},
		{
			name:      "a success resets the streak",
			calls:     []func() error{fail(errStore), fail(errStore), succeed, fail(errStore), fail(errStore)},
			wantState: StateClosed,
		},
		{
			name:      "request errors are not faults",
			calls:     []func() error{fail(errNotFound), fail(errNotFound), fail(errNotFound), fail(errNotFound)},
			wantState: StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "store",
				MaxFailures:  3,
				ResetTimeout: time.Hour,
				IsFailure:    func(err error) bool { return !errors.Is(err, errNotFound) },
			})
			for i, call := range tt.calls {
				want := call()
				if err := cb.Execute(call); !errors.Is(err, want) {
					t.Fatalf("call %d: Execute = %v, want %v", i, err, want)
				}
			}
			if got := cb.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "store", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail(errStore))

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute on open breaker = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker ran the call")
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		probe     func() error
		wantState State
		wantTrail []string
	}{
		{
			name:      "successful probe closes",
			probe:     succeed,
			wantState: StateClosed,
			wantTrail: []string{"closed>open", "open>half-open", "half-open>closed"},
		},
		{
			name:      "failed probe reopens",
			probe:     fail(errStore),
			wantState: StateOpen,
			wantTrail: []string{"closed>open", "open>half-open", "half-open>open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var tr transitions
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:          "store",
				MaxFailures:   1,
				ResetTimeout:  50 * time.Millisecond,
				HalfOpenMax:   1,
				OnStateChange: tr.record,
			})

			_ = cb.Execute(fail(errStore))
			time.Sleep(80 * time.Millisecond)
			if got := cb.State(); got != StateHalfOpen {
				t.Fatalf("state after reset timeout = %v, want half-open", got)
			}

			_ = cb.Execute(tt.probe)
			if got := cb.State(); got != tt.wantState {
				t.Errorf("state after probe = %v, want %v", got, tt.wantState)
			}
			if got := tr.list(); !slices.Equal(got, tt.wantTrail) {
				t.Errorf("transitions = %v, want %v", got, tt.wantTrail)
			}
		})
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "store"})
	if got, err := Do(cb, func() ([]string, error) { return []string{"Hall"}, nil }); err != nil || len(got) != 1 {
		t.Errorf("Do = %v, %v; want [Hall], nil", got, err)
	}
	if got, err := Do[int](nil, func() (int, error) { return 7, nil }); err != nil || got != 7 {
		t.Errorf("Do(nil breaker) = %d, %v; want 7, nil", got, err)
	}
	if _, err := Do(cb, func() (int, error) { return 0, errStore }); !errors.Is(err, errStore) {
		t.Errorf("Do = %v, want errStore", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
