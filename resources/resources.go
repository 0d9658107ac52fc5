// Package resources provides the native services a host makes injectable in
// a container: a clock, timers, console output, random numbers and a
// key/value store.
//
// Each resource is a service class with native methods only. Calls to it
// cross a service boundary like calls to any other service, so bytecode
// reaches resources through INJECT and ordinary INVOKE instructions.
package resources

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chazu/capsule/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("capsule.resources")

// Resource class names, which are also their injection types.
const (
	Clock   = "Clock"
	Timer   = "Timer"
	Console = "Console"
	Random  = "Random"
	Storage = "Storage"
)

// Names lists every resource class.
var Names = []string{Clock, Timer, Console, Random, Storage}

// Options configures the resources provided to a container.
type Options struct {
	Out         io.Writer        // Console output; os.Stdout when nil
	Seed        int64            // Random seed; 0 seeds from the clock
	StoragePath string           // sqlite database; "" keeps it in memory
	Now         func() time.Time // Clock source; time.Now when nil
	Disable     []string         // resources not to provide
}

// Install defines the resource classes in p and registers their natives.
// Installing twice is a no-op.
func Install(p *vm.Program) error {
	if _, ok := p.Registry().Class(Clock); ok {
		return nil
	}
	for _, name := range Names {
		if err := p.Define(&vm.Class{Name: name, Service: true}); err != nil {
			return fmt.Errorf("resources: define %s: %w", name, err)
		}
	}
	for _, n := range natives() {
		if err := p.RegisterNative(n.Class, n.Signature, n.Params, n.Returns, n.Fn); err != nil {
			return fmt.Errorf("resources: %w", err)
		}
	}
	return nil
}

func natives() []vm.NativeBinding {
	var all []vm.NativeBinding
	all = append(all, clockNatives()...)
	all = append(all, timerNatives()...)
	all = append(all, consoleNatives()...)
	all = append(all, randomNatives()...)
	all = append(all, storageNatives()...)
	return all
}

// Set holds the resources provided to one container.
type Set struct {
	mu    sync.Mutex
	store *store
}

// Provide installs the resource classes and registers a supplier for each
// enabled resource in c. Services are created on first injection.
func Provide(c *vm.Container, opts Options) (*Set, error) {
	if err := Install(c.Program()); err != nil {
		return nil, err
	}
	disabled := make(map[string]bool, len(opts.Disable))
	for _, d := range opts.Disable {
		disabled[d] = true
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	set := &Set{}
	states := map[string]func() (any, error){
		Clock:   func() (any, error) { return newClock(now), nil },
		Timer:   func() (any, error) { return newTimers(), nil },
		Console: func() (any, error) { return &console{out: out}, nil },
		Random:  func() (any, error) { return newRandom(opts.Seed), nil },
		Storage: func() (any, error) {
			s, err := openStore(opts.StoragePath)
			if err != nil {
				return nil, err
			}
			set.mu.Lock()
			set.store = s
			set.mu.Unlock()
			return s, nil
		},
	}
	for _, name := range Names {
		if disabled[name] {
			log.Debugf("%s: %s disabled", c.Name(), name)
			continue
		}
		name, mk := name, states[name]
		err := c.Register(name, "", func(c *vm.Container) (vm.Handle, error) {
			st, err := mk()
			if err != nil {
				return nil, err
			}
			p, err := c.CreateNativeService(name, name, st)
			if err != nil {
				return nil, err
			}
			log.Infof("%s: providing %s", c.Name(), name)
			return p, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Close releases the storage database if it was opened.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// state returns the native state of the service running f.
func state[T any](f *vm.Frame) (T, error) {
	st, ok := f.Context().State().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s has no %T state", vm.ErrIllegalState, f.Context(), zero)
	}
	return st, nil
}

func intArg(h vm.Handle, what string) (int64, error) {
	if p, ok := vm.Deref(h).(vm.Primitive); ok && p.Kind() == vm.KindInt {
		return p.AsInt(), nil
	}
	return 0, fmt.Errorf("%w: %s must be an Int, got %s", vm.ErrTypeMismatch, what, h)
}

func strArg(h vm.Handle, what string) (string, error) {
	if s, ok := vm.Deref(h).(vm.Str); ok {
		return s.Text(), nil
	}
	return "", fmt.Errorf("%w: %s must be a String, got %s", vm.ErrTypeMismatch, what, h)
}

// text renders a handle for output: strings without quotes.
func text(h vm.Handle) string {
	if s, ok := vm.Deref(h).(vm.Str); ok {
		return s.Text()
	}
	if h == nil {
		return "null"
	}
	return h.String()
}

var errClosed = fmt.Errorf("%w: storage closed", vm.ErrIllegalState)
