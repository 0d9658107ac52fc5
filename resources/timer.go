package resources

import (
	"fmt"
	"sync"
	"time"

	"github.com/chazu/capsule/vm"
)

// timers tracks alarms scheduled through a Timer service.
type timers struct {
	mu     sync.Mutex
	next   int64
	alarms map[int64]*vm.Alarm
}

func newTimers() *timers {
	return &timers{alarms: make(map[int64]*vm.Alarm)}
}

func (t *timers) add(a *vm.Alarm) int64 {
	t.mu.Lock()
	t.next++
	id := t.next
	t.alarms[id] = a
	t.mu.Unlock()
	a.Future().OnComplete(func() {
		t.mu.Lock()
		delete(t.alarms, id)
		t.mu.Unlock()
	})
	return id
}

func (t *timers) cancel(id int64) bool {
	t.mu.Lock()
	a, ok := t.alarms[id]
	t.mu.Unlock()
	return ok && a.Cancel()
}

func (t *timers) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.alarms)
}

func timerNatives() []vm.NativeBinding {
	return []vm.NativeBinding{
		// schedule(millis, service, signature, args...): queue a message
		// on service after the delay; returns a timer id
		{Class: Timer, Signature: "schedule", Params: 3, Returns: 1, Fn: func(f *vm.Frame, _ vm.Handle, args []vm.Handle) ([]vm.Handle, error) {
			if len(args) < 3 {
				return nil, fmt.Errorf("%w: schedule needs a delay, a service and a signature", vm.ErrIllegalArgument)
			}
			t, err := state[*timers](f)
			if err != nil {
				return nil, err
			}
			ms, err := intArg(args[0], "delay")
			if err != nil {
				return nil, err
			}
			if ms < 0 {
				return nil, fmt.Errorf("%w: negative delay %d", vm.ErrIllegalArgument, ms)
			}
			proxy, ok := vm.Deref(args[1]).(*vm.ServiceProxy)
			if !ok {
				return nil, fmt.Errorf("%w: schedule target must be a service, got %s", vm.ErrTypeMismatch, args[1])
			}
			sig, err := strArg(args[2], "signature")
			if err != nil {
				return nil, err
			}
			target, err := proxy.Context()
			if err != nil {
				return nil, err
			}
			alarm, err := target.ScheduleAfter(time.Duration(ms)*time.Millisecond, sig, args[3:]...)
			if err != nil {
				return nil, err
			}
			return []vm.Handle{vm.Int(t.add(alarm))}, nil
		}},
		{Class: Timer, Signature: "cancel", Params: 1, Returns: 1, Fn: vm.Native1(func(f *vm.Frame, _, id vm.Handle) (vm.Handle, error) {
			t, err := state[*timers](f)
			if err != nil {
				return nil, err
			}
			n, err := intArg(id, "timer id")
			if err != nil {
				return nil, err
			}
			return vm.Bool(t.cancel(n)), nil
		})},
		{Class: Timer, Signature: "pending", Returns: 1, Fn: vm.Native0(func(f *vm.Frame, _ vm.Handle) (vm.Handle, error) {
			t, err := state[*timers](f)
			if err != nil {
				return nil, err
			}
			return vm.Int(int64(t.pending())), nil
		})},
	}
}
