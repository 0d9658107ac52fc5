package resources

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chazu/capsule/vm"
)

type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) write(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, s)
	return err
}

func joinText(args []vm.Handle) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = text(a)
	}
	return strings.Join(parts, " ")
}

func consoleNatives() []vm.NativeBinding {
	write := func(newline bool) vm.NativeFunc {
		return func(f *vm.Frame, _ vm.Handle, args []vm.Handle) ([]vm.Handle, error) {
			c, err := state[*console](f)
			if err != nil {
				return nil, err
			}
			s := joinText(args)
			if newline {
				s += "\n"
			}
			if err := c.write(s); err != nil {
				return nil, fmt.Errorf("%w: console: %v", vm.ErrIllegalState, err)
			}
			return nil, nil
		}
	}
	return []vm.NativeBinding{
		{Class: Console, Signature: "print", Params: 1, Fn: write(false)},
		{Class: Console, Signature: "println", Params: 1, Fn: write(true)},
	}
}
