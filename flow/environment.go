package flow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Environment supplies time, randomness, UUID generation, and sleeping to
// the engine. Everything nondeterministic flows through here so tests can
// pin clocks and seeds; the engine itself owns no global mutable state.
type Environment struct {
	// Now returns the current wall-clock time.
	Now func() time.Time

	// NewUUID returns a fresh version-4 UUID string.
	NewUUID func() string

	// Sleep blocks for d or until ctx is cancelled. Wait states, retry
	// backoff, and approval polling all sleep through this hook; a test
	// environment can make it instantaneous while recording durations.
	Sleep func(ctx context.Context, d time.Duration) error

	rng *lockedRand
}

// DefaultEnvironment returns a production environment: real clock, real
// sleeps, uuid.NewString, and a time-seeded RNG.
func DefaultEnvironment() *Environment {
	return &Environment{
		Now:     time.Now,
		NewUUID: uuid.NewString,
		Sleep:   sleepContext,
		rng:     newLockedRand(rand.NewSource(time.Now().UnixNano())),
	}
}

// SeededEnvironment returns an environment with a fixed RNG seed and a
// deterministic UUID sequence. The clock and sleep behavior remain real;
// tests typically override those too.
func SeededEnvironment(seed int64) *Environment {
	env := DefaultEnvironment()
	env.rng = newLockedRand(rand.NewSource(seed))
	var mu sync.Mutex
	var n uint64
	env.NewUUID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012x", n)
	}
	return env
}

// Intn returns a uniform int in [0,n) from the environment RNG.
func (e *Environment) Intn(n int) int {
	return e.rng.Intn(n)
}

// Int63n returns a uniform int64 in [0,n) from the environment RNG.
func (e *Environment) Int63n(n int64) int64 {
	return e.rng.Int63n(n)
}

// Float64 returns a uniform float64 in [0,1) from the environment RNG.
func (e *Environment) Float64() float64 {
	return e.rng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lockedRand makes a math/rand source safe for concurrent map iterations
// and parallel branches.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(src rand.Source) *lockedRand {
	// Jitter and MathRandom are not security sensitive.
	return &lockedRand{rng: rand.New(src)} // #nosec G404
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Int63n(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}
