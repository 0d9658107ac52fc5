package resources

import (
	"time"

	"github.com/chazu/capsule/vm"
)

type clock struct {
	now   func() time.Time
	start time.Time
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now, start: now()}
}

func clockNatives() []vm.NativeBinding {
	return []vm.NativeBinding{
		// now: wall clock in Unix milliseconds
		{Class: Clock, Signature: "now", Returns: 1, Fn: vm.Native0(func(f *vm.Frame, _ vm.Handle) (vm.Handle, error) {
			c, err := state[*clock](f)
			if err != nil {
				return nil, err
			}
			return vm.Int(c.now().UnixMilli()), nil
		})},
		// millis: milliseconds since the clock was provided
		{Class: Clock, Signature: "millis", Returns: 1, Fn: vm.Native0(func(f *vm.Frame, _ vm.Handle) (vm.Handle, error) {
			c, err := state[*clock](f)
			if err != nil {
				return nil, err
			}
			return vm.Int(c.now().Sub(c.start).Milliseconds()), nil
		})},
	}
}
