package input

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/simglass/backend/internal/device"
)

// ErrNoFocusedInput reports a text command when no editable element has
// keyboard focus on the device.
var ErrNoFocusedInput = errors.New("no focused text input")

// Strategy is one mechanism capable of executing a command against a
// device. Probe is a cheap availability check with no side effects; Apply
// performs the command.
type Strategy interface {
	Name() string
	Probe(ctx context.Context, dev device.Device, cmd Command) bool
	Apply(ctx context.Context, dev device.Device, cmd Command) error
}

// StrategyError records one failed apply attempt.
type StrategyError struct {
	Strategy string
	Err      error
}

// AllStrategiesError aggregates the failures of every attempted strategy,
// in chain order. Intermediate errors are never dropped.
type AllStrategiesError struct {
	Kind     Kind
	Attempts []StrategyError
}

func (e *AllStrategiesError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no usable strategy for %s", e.Kind)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return fmt.Sprintf("all strategies failed for %s: %s", e.Kind, strings.Join(parts, "; "))
}

// SessionSource supplies the connected device; it fails when the session is
// not Connected.
type SessionSource interface {
	CurrentDevice() (device.Device, error)
}

// Result reports a successful dispatch.
type Result struct {
	Strategy string
}

// Chain dispatches commands through an ordered list of strategies, trying
// each usable one until an apply succeeds. Dispatches are serialized: input
// from every client channel funnels through one execution at a time.
type Chain struct {
	mu         sync.Mutex
	sessions   SessionSource
	strategies []Strategy
}

func NewChain(sessions SessionSource, strategies ...Strategy) *Chain {
	return &Chain{sessions: sessions, strategies: strategies}
}

// Dispatch executes cmd against the connected device. It returns the first
// successful strategy, the single attempt's error when only one strategy
// was usable, or an AllStrategiesError when several were tried and all
// failed. ErrNoFocusedInput short-circuits the chain: the condition lives
// on the device, so it surfaces unwrapped with no further attempts.
func (c *Chain) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	dev, err := c.sessions.CurrentDevice()
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var attempts []StrategyError
	for _, s := range c.strategies {
		if !s.Probe(ctx, dev, cmd) {
			continue
		}
		if err := s.Apply(ctx, dev, cmd); err != nil {
			if errors.Is(err, ErrNoFocusedInput) {
				// A missing focused field is a device condition, not a
				// backend failure; no other strategy can type either.
				return Result{}, err
			}
			log.Printf("input: %s strategy failed for %s: %v", s.Name(), cmd.Kind, err)
			attempts = append(attempts, StrategyError{Strategy: s.Name(), Err: err})
			continue
		}
		return Result{Strategy: s.Name()}, nil
	}

	if len(attempts) == 1 {
		return Result{}, attempts[0].Err
	}
	return Result{}, &AllStrategiesError{Kind: cmd.Kind, Attempts: attempts}
}
