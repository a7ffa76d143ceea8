package input

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/simglass/backend/internal/device"
)

type fakeSession struct {
	dev device.Device
	err error
}

func (f *fakeSession) CurrentDevice() (device.Device, error) {
	return f.dev, f.err
}

type fakeStrategy struct {
	name     string
	usable   bool
	applyErr error
	probes   int
	applies  int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Probe(ctx context.Context, dev device.Device, cmd Command) bool {
	f.probes++
	return f.usable
}

func (f *fakeStrategy) Apply(ctx context.Context, dev device.Device, cmd Command) error {
	f.applies++
	return f.applyErr
}

func connectedSession() *fakeSession {
	return &fakeSession{dev: device.Device{UDID: "A", State: device.Booted}}
}

func TestDispatchFirstStrategyWins(t *testing.T) {
	first := &fakeStrategy{name: "first", usable: true}
	second := &fakeStrategy{name: "second", usable: true}
	c := NewChain(connectedSession(), first, second)

	res, err := c.Dispatch(context.Background(), Tap(10, 20))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != "first" {
		t.Errorf("strategy used = %q, want first", res.Strategy)
	}
	if second.applies != 0 {
		t.Errorf("second strategy applied %d times, want 0", second.applies)
	}
}

func TestDispatchFallsThroughOnFailure(t *testing.T) {
	first := &fakeStrategy{name: "first", usable: true, applyErr: errors.New("boom")}
	second := &fakeStrategy{name: "second", usable: true}
	c := NewChain(connectedSession(), first, second)

	res, err := c.Dispatch(context.Background(), Tap(10, 20))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != "second" {
		t.Errorf("strategy used = %q, want second", res.Strategy)
	}
	if first.applies != 1 {
		t.Errorf("first strategy applied %d times, want 1", first.applies)
	}
}

func TestDispatchSkipsUnusableStrategies(t *testing.T) {
	first := &fakeStrategy{name: "first", usable: false}
	second := &fakeStrategy{name: "second", usable: true}
	c := NewChain(connectedSession(), first, second)

	res, err := c.Dispatch(context.Background(), Tap(10, 20))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Strategy != "second" {
		t.Errorf("strategy used = %q, want second", res.Strategy)
	}
	if first.applies != 0 {
		t.Errorf("unusable strategy applied %d times, want 0", first.applies)
	}
}

func TestDispatchAggregatesAllFailures(t *testing.T) {
	strategies := []Strategy{
		&fakeStrategy{name: "s0", usable: true, applyErr: errors.New("e0")},
		&fakeStrategy{name: "s1", usable: true, applyErr: errors.New("e1")},
		&fakeStrategy{name: "s2", usable: true, applyErr: errors.New("e2")},
	}
	c := NewChain(connectedSession(), strategies...)

	_, err := c.Dispatch(context.Background(), Tap(10, 20))
	var all *AllStrategiesError
	if !errors.As(err, &all) {
		t.Fatalf("Dispatch error = %v, want AllStrategiesError", err)
	}
	if len(all.Attempts) != len(strategies) {
		t.Fatalf("attempt list length = %d, want %d", len(all.Attempts), len(strategies))
	}
	for i, a := range all.Attempts {
		wantName := fmt.Sprintf("s%d", i)
		wantErr := fmt.Sprintf("e%d", i)
		if a.Strategy != wantName || a.Err.Error() != wantErr {
			t.Errorf("attempt %d = {%s, %v}, want {%s, %s}", i, a.Strategy, a.Err, wantName, wantErr)
		}
	}
}

func TestDispatchSingleAttemptErrorUnwrapped(t *testing.T) {
	// typeText shape: only the text-capable strategy probes usable, and it
	// reports no focused element.
	only := &fakeStrategy{name: "text", usable: true, applyErr: fmt.Errorf("%w: field missing", ErrNoFocusedInput)}
	other := &fakeStrategy{name: "other", usable: false}
	c := NewChain(connectedSession(), only, other)

	_, err := c.Dispatch(context.Background(), TypeText("hello"))
	if !errors.Is(err, ErrNoFocusedInput) {
		t.Fatalf("Dispatch error = %v, want ErrNoFocusedInput", err)
	}
	var all *AllStrategiesError
	if errors.As(err, &all) {
		t.Error("single-attempt failure wrapped in AllStrategiesError")
	}
}

func TestDispatchStopsOnMissingFocus(t *testing.T) {
	// Both backends can type, but focus lives on the device: once the
	// first reports no focused field, the second must not be tried.
	first := &fakeStrategy{name: "first", usable: true, applyErr: fmt.Errorf("%w: field missing", ErrNoFocusedInput)}
	second := &fakeStrategy{name: "second", usable: true}
	c := NewChain(connectedSession(), first, second)

	_, err := c.Dispatch(context.Background(), TypeText("hello"))
	if !errors.Is(err, ErrNoFocusedInput) {
		t.Fatalf("Dispatch error = %v, want ErrNoFocusedInput", err)
	}
	if second.applies != 0 {
		t.Errorf("second strategy applied %d times after missing focus, want 0", second.applies)
	}
	var all *AllStrategiesError
	if errors.As(err, &all) {
		t.Error("missing-focus failure wrapped in AllStrategiesError")
	}
}

func TestDispatchRequiresConnectedSession(t *testing.T) {
	notConnected := errors.New("no device connected")
	s := &fakeStrategy{name: "s", usable: true}
	c := NewChain(&fakeSession{err: notConnected}, s)

	_, err := c.Dispatch(context.Background(), Tap(1, 1))
	if !errors.Is(err, notConnected) {
		t.Fatalf("Dispatch error = %v, want session error", err)
	}
	if s.probes != 0 || s.applies != 0 {
		t.Error("strategy touched while not connected")
	}
}

func TestDispatchNoUsableStrategy(t *testing.T) {
	c := NewChain(connectedSession(), &fakeStrategy{name: "s", usable: false})

	_, err := c.Dispatch(context.Background(), Tap(1, 1))
	var all *AllStrategiesError
	if !errors.As(err, &all) {
		t.Fatalf("Dispatch error = %v, want AllStrategiesError", err)
	}
	if len(all.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(all.Attempts))
	}
}

func TestMentionsMissingFocus(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Error: no focused element", true},
		{"element is not focused", true},
		{"the keyboard is not present", true},
		{"connection refused", false},
	}
	for _, tt := range tests {
		if got := mentionsMissingFocus(tt.msg); got != tt.want {
			t.Errorf("mentionsMissingFocus(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
