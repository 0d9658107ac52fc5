package resources

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/capsule/vm"
)

const testTimeout = 5 * time.Second

func start(t *testing.T, classes []*vm.Class, opts Options) (*vm.Container, *Set) {
	t.Helper()
	p, err := vm.LoadProgram(&vm.Module{Name: t.Name(), Classes: classes})
	if err != nil {
		t.Fatal(err)
	}
	c := vm.NewContainer(p)
	set, err := Provide(c, opts)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := c.Join(ctx); err != nil {
			t.Errorf("Join: %v", err)
		}
		if err := c.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := set.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c, set
}

func wait(t *testing.T, f *vm.Future) ([]vm.Handle, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	vals, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not complete")
	}
	return vals, err
}

func one(t *testing.T, f *vm.Future) vm.Handle {
	t.Helper()
	vals, err := wait(t, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 {
		t.Fatalf("got %v, want one value", vals)
	}
	return vals[0]
}

func inject(t *testing.T, c *vm.Container, typ string) *vm.ServiceProxy {
	t.Helper()
	h, err := c.Inject(typ, "")
	if err != nil {
		t.Fatalf("Inject(%s): %v", typ, err)
	}
	p, ok := h.(*vm.ServiceProxy)
	if !ok {
		t.Fatalf("Inject(%s) = %T, want a service", typ, h)
	}
	return p
}

// appUsing builds an App class whose run method injects typ and calls sig
// on it with constant args, returning one result.
func appUsing(typ, sig string, args ...vm.Handle) *vm.Class {
	b := vm.NewBuilder()
	b.Emit(vm.Instruction{Op: vm.OpInject, A: 0, Type: typ})
	regs := make([]int, len(args))
	for i, a := range args {
		regs[i] = i + 2
		b.LoadConst(i+2, a)
	}
	b.Invoke(0, sig, regs, 1)
	b.Return1(1)
	return &vm.Class{
		Name:    "App",
		Methods: []*vm.Method{{Name: "run", Returns: 1, Registers: 2 + len(args), Code: b.MustCode()}},
	}
}

func TestClockThroughBytecode(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c, _ := start(t, []*vm.Class{appUsing(Clock, "now")}, Options{Now: func() time.Time { return fixed }})
	got := one(t, c.Invoke("App.run"))
	if !vm.Equal(got, vm.Int(fixed.UnixMilli())) {
		t.Errorf("now = %v, want %d", got, fixed.UnixMilli())
	}
	if m := one(t, inject(t, c, Clock).Invoke("millis")); !vm.Equal(m, vm.Int(0)) {
		t.Errorf("millis on a frozen clock = %v, want 0", m)
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c, _ := start(t, nil, Options{Out: &out})
	console := inject(t, c, Console)
	if _, err := wait(t, console.Invoke("print", vm.Str("count:"), vm.Int(3))); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, console.Invoke("println", vm.Str(""), vm.True)); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "count: 3 true\n" {
		t.Errorf("console output = %q", got)
	}
}

func TestRandomIsSeeded(t *testing.T) {
	draw := func() []vm.Handle {
		c, _ := start(t, nil, Options{Seed: 7})
		r := inject(t, c, Random)
		var vals []vm.Handle
		for i := 0; i < 5; i++ {
			v := one(t, r.Invoke("nextInt", vm.Int(100)))
			if n := v.(vm.Primitive).AsInt(); n < 0 || n >= 100 {
				t.Errorf("nextInt(100) = %d", n)
			}
			vals = append(vals, v)
		}
		return vals
	}
	a, b := draw(), draw()
	for i := range a {
		if !vm.Equal(a[i], b[i]) {
			t.Fatalf("same seed gave %v and %v", a, b)
		}
	}

	c, _ := start(t, nil, Options{Seed: 7})
	if _, err := wait(t, inject(t, c, Random).Invoke("nextInt", vm.Int(0))); !errors.Is(err, vm.ErrIllegalArgument) {
		t.Errorf("nextInt(0) = %v, want IllegalArgument", err)
	}
}

func TestStorage(t *testing.T) {
	c, _ := start(t, nil, Options{})
	s := inject(t, c, Storage)

	if v := one(t, s.Invoke("get", vm.Str("missing"))); !vm.IsNull(v) {
		t.Errorf("get(missing) = %v, want null", v)
	}
	for _, kv := range []struct {
		key string
		val vm.Handle
	}{
		{"int", vm.Int(42)},
		{"str", vm.Str("hi")},
		{"float", vm.Float(2.5)},
		{"char", vm.Char('z')},
		{"bool", vm.True},
	} {
		if _, err := wait(t, s.Invoke("put", vm.Str(kv.key), kv.val)); err != nil {
			t.Fatalf("put(%s): %v", kv.key, err)
		}
		if got := one(t, s.Invoke("get", vm.Str(kv.key))); !vm.Equal(got, kv.val) {
			t.Errorf("get(%s) = %v, want %v", kv.key, got, kv.val)
		}
	}

	reg := c.Registry()
	arr, err := constantArray(reg.MustLookup("Array<Int>"), []vm.Handle{vm.Int(1), vm.Int(2)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, s.Invoke("put", vm.Str("list"), arr)); err != nil {
		t.Fatal(err)
	}
	got := one(t, s.Invoke("get", vm.Str("list")))
	if !vm.Equal(got, arr) {
		t.Errorf("get(list) = %v, want %v", got, arr)
	}
	if back, ok := got.(*vm.ArrayHandle); !ok || back.Mutability() != vm.Constant {
		t.Errorf("stored arrays come back Constant, got %v", got)
	}

	if v := one(t, s.Invoke("delete", vm.Str("int"))); !vm.Equal(v, vm.True) {
		t.Errorf("delete(int) = %v", v)
	}
	if v := one(t, s.Invoke("delete", vm.Str("int"))); !vm.Equal(v, vm.False) {
		t.Errorf("second delete(int) = %v", v)
	}
	keys := one(t, s.Invoke("keys")).(*vm.ArrayHandle)
	want := []string{"bool", "char", "float", "list", "str"}
	if keys.Size() != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i, k := range keys.Elements() {
		if !vm.Equal(k, vm.Str(want[i])) {
			t.Errorf("keys[%d] = %v, want %s", i, k, want[i])
		}
	}

	if _, err := wait(t, s.Invoke("put", vm.Str(""), vm.Int(1), vm.Int(2))); !errors.Is(err, vm.ErrIllegalArgument) {
		t.Errorf("put with three args = %v", err)
	}
	if _, err := wait(t, s.Invoke("get", vm.Int(1))); !errors.Is(err, vm.ErrTypeMismatch) {
		t.Errorf("get(1) = %v, want TypeMismatch", err)
	}
}

func TestStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.db")

	c1, set1 := start(t, nil, Options{StoragePath: path})
	if _, err := wait(t, inject(t, c1, Storage).Invoke("put", vm.Str("k"), vm.Str("v"))); err != nil {
		t.Fatal(err)
	}
	if err := set1.Close(); err != nil {
		t.Fatal(err)
	}

	c2, _ := start(t, nil, Options{StoragePath: path})
	if v := one(t, inject(t, c2, Storage).Invoke("get", vm.Str("k"))); !vm.Equal(v, vm.Str("v")) {
		t.Errorf("reopened get(k) = %v", v)
	}
}

func counter() *vm.Class {
	b := vm.NewBuilder()
	b.Op(vm.OpLoadThis, 0)
	b.Emit(vm.Instruction{Op: vm.OpGetProp, A: 1, B: 0, Name: "count", C: 1})
	b.LoadConst(2, vm.Int(1))
	b.Op(vm.OpAdd, 3, 1, 2)
	b.Emit(vm.Instruction{Op: vm.OpSetProp, A: 0, B: 3, Name: "count", C: 1})
	b.Return0()
	get := vm.NewBuilder()
	get.Op(vm.OpLoadThis, 0)
	get.Emit(vm.Instruction{Op: vm.OpGetProp, A: 1, B: 0, Name: "count", C: 1})
	get.Return1(1)
	return &vm.Class{
		Name:       "Counter",
		Service:    true,
		Properties: []*vm.Property{{Name: "count", Type: "Int"}},
		Methods: []*vm.Method{
			{Name: "increment", Registers: 4, Code: b.MustCode()},
			{Name: "get", Returns: 1, Registers: 2, Code: get.MustCode()},
		},
	}
}

func TestTimer(t *testing.T) {
	c, _ := start(t, []*vm.Class{counter()}, Options{})
	cnt, err := c.CreateService("counter", "Counter")
	if err != nil {
		t.Fatal(err)
	}
	timer := inject(t, c, Timer)

	one(t, timer.Invoke("schedule", vm.Int(5), cnt, vm.Str("increment")))
	late := one(t, timer.Invoke("schedule", vm.Int(int64(time.Hour/time.Millisecond)), cnt, vm.Str("increment")))
	if n := one(t, timer.Invoke("pending")); !vm.Equal(n, vm.Int(2)) && !vm.Equal(n, vm.Int(1)) {
		t.Errorf("pending = %v", n)
	}
	if v := one(t, timer.Invoke("cancel", late)); !vm.Equal(v, vm.True) {
		t.Errorf("cancel = %v, want true", v)
	}
	if v := one(t, timer.Invoke("cancel", late)); !vm.Equal(v, vm.False) {
		t.Errorf("second cancel = %v, want false", v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := c.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if v := one(t, cnt.Invoke("get")); !vm.Equal(v, vm.Int(1)) {
		t.Errorf("count = %v, want 1", v)
	}
	for deadline := time.Now().Add(testTimeout); ; time.Sleep(time.Millisecond) {
		n := one(t, timer.Invoke("pending"))
		if vm.Equal(n, vm.Int(0)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending after Join = %v", n)
		}
	}

	if _, err := wait(t, timer.Invoke("schedule", vm.Int(1), vm.Int(3), vm.Str("increment"))); !errors.Is(err, vm.ErrTypeMismatch) {
		t.Errorf("schedule on a non-service = %v", err)
	}
}

func TestDisableAndDeny(t *testing.T) {
	c, _ := start(t, nil, Options{Disable: []string{Console}})
	if _, err := c.Inject(Console, ""); !errors.Is(err, vm.ErrNotFound) {
		t.Errorf("disabled Console = %v, want NotFound", err)
	}

	child := c.CreateChild("sandbox", Storage)
	if _, err := child.Inject(Storage, ""); !errors.Is(err, vm.ErrNotFound) {
		t.Errorf("denied Storage = %v, want NotFound", err)
	}
	if _, err := child.Inject(Clock, ""); err != nil {
		t.Errorf("inherited Clock = %v", err)
	}
}
