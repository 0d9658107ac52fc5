package vm

import (
	"context"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// build assembles a method body with a builder.
func build(t *testing.T, emit func(b *Builder)) []Instruction {
	t.Helper()
	b := NewBuilder()
	emit(b)
	code, err := b.Code()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return code
}

// startProgram loads classes into a program and starts a container for it.
// The container is joined and shut down when the test ends.
func startProgram(t *testing.T, classes []*Class, opts ...Option) *Container {
	t.Helper()
	p, err := LoadProgram(&Module{Name: t.Name(), Classes: classes})
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	c := NewContainer(p, opts...)
	c.Start()
	t.Cleanup(func() { stopContainer(t, c) })
	return c
}

func contextWithTestTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), testTimeout)
}

func stopContainer(t *testing.T, c *Container) {
	t.Helper()
	ctx, cancel := contextWithTestTimeout()
	defer cancel()
	if err := c.Join(ctx); err != nil {
		t.Errorf("Join: %v", err)
		return
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// await waits for a future with the test timeout.
func await(t *testing.T, f *Future) ([]Handle, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	vals, err := f.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("future did not complete within %s", testTimeout)
	}
	return vals, err
}

// runEntry starts classes and invokes entry with args.
func runEntry(t *testing.T, classes []*Class, entry string, args ...Handle) ([]Handle, error) {
	t.Helper()
	c := startProgram(t, classes)
	return await(t, c.Invoke(entry, args...))
}

// mustOne expects a single result. It is curried so a two-value call can
// be passed straight through: mustOne(t)(await(t, f)).
func mustOne(t *testing.T) func(vals []Handle, err error) Handle {
	return func(vals []Handle, err error) Handle {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(vals) != 1 {
			t.Fatalf("got %d results, want 1: %v", len(vals), vals)
		}
		return vals[0]
	}
}
