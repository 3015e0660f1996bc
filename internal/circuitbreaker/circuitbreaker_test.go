package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store down")

func newTestBreaker(maxFailures, probes int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	cb := New(&Config{Name: "test", MaxFailures: maxFailures, Cooldown: cooldown, Probes: probes}, zerolog.Nop())
	clock := time.Unix(1000, 0)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func fail() error    { return errStore }
func succeed() error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNew_Defaults(t *testing.T) {
	cb := New(nil, zerolog.Nop())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "default", cb.cfg.Name)
	assert.Equal(t, 5, cb.cfg.MaxFailures)

	cb = New(&Config{Name: "zero"}, zerolog.Nop())
	assert.Equal(t, 1, cb.cfg.MaxFailures)
	assert.Equal(t, 1, cb.cfg.Probes)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, time.Minute)

	require.ErrorIs(t, cb.Execute(fail), errStore)
	require.ErrorIs(t, cb.Execute(fail), errStore)
	require.NoError(t, cb.Execute(succeed)) // success resets the streak
	require.ErrorIs(t, cb.Execute(fail), errStore)
	require.ErrorIs(t, cb.Execute(fail), errStore)
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(fail), errStore)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), cb.Stats().Rejected)
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Second)

	require.Error(t, cb.Execute(fail))
	require.Equal(t, StateOpen, cb.State())

	*clock = clock.Add(2 * time.Second)
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Second)

	require.Error(t, cb.Execute(fail))
	*clock = clock.Add(2 * time.Second)
	require.ErrorIs(t, cb.Execute(fail), errStore)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(1, 1, time.Second)
	require.Error(t, cb.Execute(fail))
	*clock = clock.Add(2 * time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestOnStateChangeAndReset(t *testing.T) {
	var transitions []string
	cb := New(&Config{
		Name:        "cb",
		MaxFailures: 1,
		Cooldown:    time.Hour,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, zerolog.Nop())

	require.Error(t, cb.Execute(fail))
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"cb:closed->open", "cb:open->closed"}, transitions)
}
