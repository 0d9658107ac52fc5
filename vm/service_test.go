package vm

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// counterClass is a service holding an Int that increment bumps.
func counterClass(t *testing.T) *Class {
	return &Class{
		Name:       "Counter",
		Service:    true,
		Properties: []*Property{{Name: "count", Type: "Int"}},
		Methods: []*Method{
			{
				Name: "increment", Registers: 4,
				Code: build(t, func(b *Builder) {
					b.Op(OpLoadThis, 0)
					b.Emit(Instruction{Op: OpGetProp, A: 1, B: 0, Name: "count", C: 1})
					b.LoadConst(2, Int(1))
					b.Op(OpAdd, 3, 1, 2)
					b.Emit(Instruction{Op: OpSetProp, A: 0, B: 3, Name: "count", C: 1})
					b.Return0()
				}),
			},
			{
				Name: "get", Returns: 1, Registers: 2,
				Code: build(t, func(b *Builder) {
					b.Op(OpLoadThis, 0)
					b.Emit(Instruction{Op: OpGetProp, A: 1, B: 0, Name: "count", C: 1})
					b.Return1(1)
				}),
			},
		},
	}
}

// pokerClass calls increment on the counter it is given.
func pokerClass(t *testing.T) *Class {
	return &Class{
		Name:    "Poker",
		Service: true,
		Methods: []*Method{{
			Name:      "poke",
			Params:    []Param{{Name: "counter"}},
			Registers: 1,
			Code: build(t, func(b *Builder) {
				b.Invoke(0, "increment", nil)
				b.Return0()
			}),
		}},
	}
}

func TestServiceCallsFromTwoCallers(t *testing.T) {
	c := startProgram(t, []*Class{counterClass(t), pokerClass(t)})
	counter, err := c.CreateService("counter", "Counter")
	if err != nil {
		t.Fatal(err)
	}
	p1, _ := c.CreateService("p1", "Poker")
	p2, _ := c.CreateService("p2", "Poker")

	f1 := p1.Invoke("poke", counter)
	f2 := p2.Invoke("poke", counter)
	if _, err := await(t, f1); err != nil {
		t.Fatal(err)
	}
	if _, err := await(t, f2); err != nil {
		t.Fatal(err)
	}
	if v := mustOne(t)(await(t, counter.Invoke("get"))); !Equal(v, Int(2)) {
		t.Errorf("count = %v, want 2", v)
	}
}

func TestSingleWriterUnderLoad(t *testing.T) {
	const callers = 50
	c := startProgram(t, []*Class{counterClass(t)}, WithWorkers(8), WithQuantum(2))
	counter, err := c.CreateService("counter", "Counter")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	futures := make([]*Future, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = counter.Invoke("increment")
		}(i)
	}
	wg.Wait()
	for _, f := range futures {
		if _, err := await(t, f); err != nil {
			t.Fatal(err)
		}
	}
	if v := mustOne(t)(await(t, counter.Invoke("get"))); !Equal(v, Int(callers)) {
		t.Errorf("count = %v, want %d", v, callers)
	}

	ctx, _ := counter.Context()
	stats := ctx.Stats()
	if stats.Violations != 0 {
		t.Errorf("single-writer violations = %d", stats.Violations)
	}
	if stats.Messages != callers+1 {
		t.Errorf("messages = %d, want %d", stats.Messages, callers+1)
	}
}

// slowClass answers compute with 7 and fails on demand.
func slowClass(t *testing.T) *Class {
	return &Class{
		Name:    "Slow",
		Service: true,
		Methods: []*Method{
			{
				Name: "compute", Returns: 1, Registers: 1,
				Code: []Instruction{{Op: OpLoadConst, A: 0, Value: Int(7)}, {Op: OpReturn1, A: 0}},
			},
			{
				Name: "fail", Registers: 2,
				Code: build(t, func(b *Builder) {
					b.LoadConst(0, Str("slow failure"))
					b.New(1, "IllegalState", 0)
					b.Op(OpThrow, 1)
				}),
			},
			{
				Name: "echo", Params: []Param{{Name: "v"}}, Returns: 1,
				Code: []Instruction{{Op: OpReturn1, A: 0}},
			},
		},
	}
}

func TestCrossServiceFuture(t *testing.T) {
	caller := &Class{
		Name:    "Caller",
		Service: true,
		Methods: []*Method{
			{
				Name:      "async",
				Params:    []Param{{Name: "slow"}},
				Returns:   2,
				Registers: 4,
				Code: build(t, func(b *Builder) {
					b.InvokeAsync(0, "compute", nil, 1)
					b.Invoke(1, "isDone", nil, 2)
					b.Emit(Instruction{Op: OpAwait, B: 1, Rets: []int{3}})
					b.Emit(Instruction{Op: OpReturnN, Args: []int{2, 3}})
				}),
			},
			{
				Name:      "sync",
				Params:    []Param{{Name: "slow"}},
				Returns:   1,
				Registers: 2,
				Code: build(t, func(b *Builder) {
					b.Invoke(0, "compute", nil, 1)
					b.Return1(1)
				}),
			},
		},
	}
	// one worker: the target cannot run until the caller's slice ends
	c := startProgram(t, []*Class{slowClass(t), caller}, WithWorkers(1))
	slow, _ := c.CreateService("slow", "Slow")
	cl, _ := c.CreateService("caller", "Caller")

	vals, err := await(t, cl.Invoke("async", slow))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []Handle{False, Int(7)}) {
		t.Errorf("async = %v, want [false 7]", vals)
	}
	if v := mustOne(t)(await(t, cl.Invoke("sync", slow))); !Equal(v, Int(7)) {
		t.Errorf("sync = %v, want 7", v)
	}
}

func TestHostInvokeQueuesUntilStart(t *testing.T) {
	p, err := LoadProgram(&Module{Name: "queued", Classes: []*Class{slowClass(t)}})
	if err != nil {
		t.Fatal(err)
	}
	c := NewContainer(p)
	slow, err := c.CreateService("slow", "Slow")
	if err != nil {
		t.Fatal(err)
	}
	f := slow.Invoke("compute")
	if f.IsDone() {
		t.Fatal("future completed before the container started")
	}
	if c.IsIdle() {
		t.Error("container with a queued message reported idle")
	}
	if err := c.Shutdown(); !errors.Is(err, ErrContainerBusy) {
		t.Errorf("Shutdown with queued work = %v, want ContainerBusy", err)
	}

	c.Start()
	if v := mustOne(t)(await(t, f)); !Equal(v, Int(7)) {
		t.Errorf("compute = %v, want 7", v)
	}
	stopContainer(t, c)
	if !c.IsIdle() {
		t.Error("container not idle after Join")
	}
}

func TestExceptionCrossesServices(t *testing.T) {
	caller := &Class{
		Name:    "Caller",
		Service: true,
		Methods: []*Method{{
			Name:      "run",
			Params:    []Param{{Name: "slow"}},
			Returns:   1,
			Registers: 3,
			Code: build(t, func(b *Builder) {
				h := b.NewLabel()
				b.EmitGuard(CatchLabel{Type: "IllegalState", Reg: 1, Handler: h})
				b.Invoke(0, "fail", nil)
				b.LoadConst(2, Str("not reached"))
				b.Return1(2)
				b.Mark(h)
				b.Invoke(1, "message", nil, 2)
				b.Return1(2)
			}),
		}},
	}
	c := startProgram(t, []*Class{slowClass(t), caller}, WithUnhandledHook(nil))
	slow, _ := c.CreateService("slow", "Slow")
	cl, _ := c.CreateService("caller", "Caller")
	if v := mustOne(t)(await(t, cl.Invoke("run", slow))); !Equal(v, Str("slow failure")) {
		t.Errorf("run = %v, want the remote exception message", v)
	}
}

func TestMutableValuesDoNotCrossServices(t *testing.T) {
	caller := &Class{
		Name:    "Caller",
		Service: true,
		Methods: []*Method{{
			Name:      "run",
			Params:    []Param{{Name: "slow"}},
			Returns:   1,
			Registers: 3,
			Code: build(t, func(b *Builder) {
				b.LoadConst(1, Int(2))
				b.Emit(Instruction{Op: OpNewArray, A: 1, B: 1})
				b.Invoke(0, "echo", []int{1}, 2)
				b.Return1(2)
			}),
		}},
	}
	c := startProgram(t, []*Class{slowClass(t), caller})
	slow, _ := c.CreateService("slow", "Slow")
	cl, _ := c.CreateService("caller", "Caller")
	if _, err := await(t, cl.Invoke("run", slow)); !errors.Is(err, ErrNotShareable) {
		t.Errorf("passing a mutable array = %v, want NotShareable", err)
	}

	arr := NewArrayOf(c.Registry().MustLookup("Array"), Int(1))
	if _, err := await(t, slow.Invoke("echo", arr)); !errors.Is(err, ErrNotShareable) {
		t.Errorf("host passing a mutable array = %v, want NotShareable", err)
	}
	if err := Freeze(arr); err != nil {
		t.Fatal(err)
	}
	if v := mustOne(t)(await(t, slow.Invoke("echo", arr))); v != Handle(arr) {
		t.Errorf("constant array should cross by reference, got %v", v)
	}
}

// pingPong builds two services where A.run calls B.ping which calls back
// A.pong.
func pingPong(t *testing.T) []*Class {
	a := &Class{
		Name:    "A",
		Service: true,
		Methods: []*Method{
			{
				Name:      "run",
				Params:    []Param{{Name: "b"}},
				Returns:   1,
				Registers: 3,
				Code: build(t, func(b *Builder) {
					b.Op(OpLoadThis, 1)
					b.Invoke(0, "ping", []int{1}, 2)
					b.Return1(2)
				}),
			},
			{
				Name: "pong", Returns: 1, Registers: 1,
				Code: []Instruction{{Op: OpLoadConst, A: 0, Value: Int(5)}, {Op: OpReturn1, A: 0}},
			},
		},
	}
	b := &Class{
		Name:    "B",
		Service: true,
		Methods: []*Method{{
			Name:      "ping",
			Params:    []Param{{Name: "a"}},
			Returns:   1,
			Registers: 2,
			Code: build(t, func(bb *Builder) {
				bb.Invoke(0, "pong", nil, 1)
				bb.Return1(1)
			}),
		}},
	}
	return []*Class{a, b}
}

func TestCallbackIsAdmittedWhileWaiting(t *testing.T) {
	c := startProgram(t, pingPong(t))
	a, _ := c.CreateService("a", "A")
	b, _ := c.CreateService("b", "B")
	if v := mustOne(t)(await(t, a.Invoke("run", b))); !Equal(v, Int(5)) {
		t.Errorf("run = %v, want 5", v)
	}
}

func TestForbiddenReentrancyTimesOut(t *testing.T) {
	c := startProgram(t, pingPong(t),
		WithReentrancy(ReentrancyForbidden),
		WithTimeout(150*time.Millisecond),
		WithUnhandledHook(nil),
	)
	a, _ := c.CreateService("a", "A")
	b, _ := c.CreateService("b", "B")
	_, err := await(t, a.Invoke("run", b))
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("run under Forbidden = %v, want TimedOut", err)
	}
}

// crossCaller builds a service whose run calls touch on another instance of
// the same class, so two instances calling each other wait on each other.
func crossCaller(t *testing.T) *Class {
	return &Class{
		Name:    "X",
		Service: true,
		Methods: []*Method{
			{
				Name:      "run",
				Params:    []Param{{Name: "other"}},
				Returns:   1,
				Registers: 2,
				Code: build(t, func(b *Builder) {
					b.Invoke(0, "touch", nil, 1)
					b.Return1(1)
				}),
			},
			{
				Name: "touch", Returns: 1, Registers: 1,
				Code: []Instruction{{Op: OpLoadConst, A: 0, Value: Int(1)}, {Op: OpReturn1, A: 0}},
			},
		},
	}
}

func TestReentrancyPolicies(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		deadlock bool
	}{
		{"open", []Option{WithReentrancy(ReentrancyOpen)}, false},
		{"prioritized", []Option{WithReentrancy(ReentrancyPrioritized)}, false},
		{"exclusive", []Option{WithReentrancy(ReentrancyExclusive)}, true},
		{"forbidden", []Option{WithReentrancy(ReentrancyForbidden)}, true},
		{"default", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LoadProgram(&Module{Name: tt.name, Classes: []*Class{crossCaller(t)}})
			if err != nil {
				t.Fatal(err)
			}
			opts := append([]Option{WithTimeout(150 * time.Millisecond), WithUnhandledHook(nil)}, tt.opts...)
			c := NewContainer(p, opts...)
			x1, err := c.CreateService("x1", "X")
			if err != nil {
				t.Fatal(err)
			}
			x2, err := c.CreateService("x2", "X")
			if err != nil {
				t.Fatal(err)
			}
			// both runs are queued before either context can admit a touch
			f1 := x1.Invoke("run", x2)
			f2 := x2.Invoke("run", x1)
			c.Start()
			t.Cleanup(func() { stopContainer(t, c) })

			timedOut := 0
			for i, f := range []*Future{f1, f2} {
				vals, err := await(t, f)
				switch {
				case errors.Is(err, ErrTimedOut):
					timedOut++
				case err != nil:
					t.Errorf("run %d = %v", i+1, err)
				case len(vals) != 1 || !Equal(vals[0], Int(1)):
					t.Errorf("run %d = %v, want 1", i+1, vals)
				}
			}
			if tt.deadlock && timedOut == 0 {
				t.Error("crossed calls completed, want at least one TimedOut")
			}
			if !tt.deadlock && timedOut != 0 {
				t.Errorf("%d crossed calls timed out, want none", timedOut)
			}
		})
	}
}

// noteTaker records the order its methods run in as decimal digits of log:
// note appends 1 and pong appends 2. run sends ping to b, holds the context
// until two messages are queued and then waits for the ping.
func noteTaker(t *testing.T) []*Class {
	appendDigit := func(d int64) []Instruction {
		return build(t, func(b *Builder) {
			b.Op(OpLoadThis, 0)
			b.Emit(Instruction{Op: OpGetProp, A: 1, B: 0, Name: "log", C: 1})
			b.LoadConst(2, Int(10))
			b.Op(OpMul, 1, 1, 2)
			b.LoadConst(2, Int(d))
			b.Op(OpAdd, 1, 1, 2)
			b.Emit(Instruction{Op: OpSetProp, A: 0, B: 1, Name: "log", C: 1})
			b.Return0()
		})
	}
	a := &Class{
		Name:       "A",
		Service:    true,
		Properties: []*Property{{Name: "log", Type: "Int"}},
		Methods: []*Method{
			{Name: "note", Registers: 3, Code: appendDigit(1)},
			{Name: "pong", Registers: 3, Code: appendDigit(2)},
			{
				Name:      "run",
				Params:    []Param{{Name: "b"}},
				Registers: 3,
				Code: build(t, func(b *Builder) {
					b.Op(OpLoadThis, 1)
					b.InvokeAsync(0, "ping", []int{1}, 2)
					b.Invoke(1, "settle", nil)
					b.Emit(Instruction{Op: OpAwait, B: 2})
					b.Return0()
				}),
			},
			{
				Name: "get", Returns: 1, Registers: 2,
				Code: build(t, func(b *Builder) {
					b.Op(OpLoadThis, 0)
					b.Emit(Instruction{Op: OpGetProp, A: 1, B: 0, Name: "log", C: 1})
					b.Return1(1)
				}),
			},
		},
	}
	b := &Class{
		Name:    "B",
		Service: true,
		Methods: []*Method{{
			Name:      "ping",
			Params:    []Param{{Name: "a"}},
			Registers: 1,
			Code: build(t, func(bb *Builder) {
				bb.Invoke(0, "pong", nil)
				bb.Return0()
			}),
		}},
	}
	return []*Class{a, b}
}

// settleNative blocks until two messages wait in the caller's queue.
func settleNative(t *testing.T) NativeBinding {
	return NativeBinding{Class: "A", Signature: "settle", Fn: func(f *Frame, _ Handle, _ []Handle) ([]Handle, error) {
		ctx := f.Context()
		for deadline := time.Now().Add(testTimeout); time.Now().Before(deadline); time.Sleep(time.Millisecond) {
			ctx.mu.Lock()
			n := len(ctx.queue)
			ctx.mu.Unlock()
			if n >= 2 {
				return nil, nil
			}
		}
		t.Error("callback never reached the queue")
		return nil, nil
	}}
}

func TestPrioritizedAdmitsCallbacksFirst(t *testing.T) {
	for _, tt := range []struct {
		policy Reentrancy
		want   int64
	}{
		{ReentrancyPrioritized, 21},
		{ReentrancyOpen, 12},
	} {
		t.Run(tt.policy.String(), func(t *testing.T) {
			p, err := LoadProgram(&Module{Name: tt.policy.String(), Classes: noteTaker(t)}, settleNative(t))
			if err != nil {
				t.Fatal(err)
			}
			c := NewContainer(p, WithReentrancy(tt.policy), WithWorkers(4))
			a, err := c.CreateService("a", "A")
			if err != nil {
				t.Fatal(err)
			}
			b, err := c.CreateService("b", "B")
			if err != nil {
				t.Fatal(err)
			}
			run := a.Invoke("run", b)
			note := a.Invoke("note")
			c.Start()
			t.Cleanup(func() { stopContainer(t, c) })

			for _, f := range []*Future{run, note} {
				if _, err := await(t, f); err != nil {
					t.Fatal(err)
				}
			}
			if v := mustOne(t)(await(t, a.Invoke("get"))); !Equal(v, Int(tt.want)) {
				t.Errorf("log = %v, want %d", v, tt.want)
			}
		})
	}
}

func TestServiceReturningItselfYieldsProxy(t *testing.T) {
	self := &Class{
		Name:    "Self",
		Service: true,
		Methods: []*Method{{
			Name: "me", Returns: 1, Registers: 1,
			Code: build(t, func(b *Builder) {
				b.Op(OpLoadThis, 0)
				b.Return1(0)
			}),
		}},
	}
	c := startProgram(t, []*Class{self})
	svc, err := c.CreateService("self", "Self")
	if err != nil {
		t.Fatal(err)
	}
	v := mustOne(t)(await(t, svc.Invoke("me")))
	if v != Handle(svc) {
		t.Errorf("me = %v (%T), want the service proxy", v, v)
	}
}

func TestStatsCountWork(t *testing.T) {
	c := startProgram(t, []*Class{counterClass(t)})
	counter, err := c.CreateService("counter", "Counter")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := await(t, counter.Invoke("increment")); err != nil {
			t.Fatal(err)
		}
	}
	if v := mustOne(t)(await(t, counter.Invoke("get"))); !Equal(v, Int(3)) {
		t.Fatalf("count = %v, want 3", v)
	}

	ctx, err := counter.Context()
	if err != nil {
		t.Fatal(err)
	}
	stats := ctx.Stats()
	if stats.Messages != 4 {
		t.Errorf("messages = %d, want 4", stats.Messages)
	}
	if stats.Frames != 4 {
		t.Errorf("frames = %d, want 4", stats.Frames)
	}
	if stats.Instructions < 15 {
		t.Errorf("instructions = %d, want at least 15", stats.Instructions)
	}
	if stats.Violations != 0 {
		t.Errorf("violations = %d", stats.Violations)
	}
}

func TestParseReentrancy(t *testing.T) {
	for _, r := range []Reentrancy{ReentrancyOpen, ReentrancyPrioritized, ReentrancyExclusive, ReentrancyForbidden} {
		got, err := ParseReentrancy(r.String())
		if err != nil || got != r {
			t.Errorf("ParseReentrancy(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseReentrancy("sometimes"); !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("ParseReentrancy(sometimes) = %v", err)
	}
}

func TestServiceConstructorRunsFirst(t *testing.T) {
	counter := counterClass(t)
	counter.Methods = append(counter.Methods, &Method{
		Name:      "construct",
		Params:    []Param{{Name: "start"}},
		Registers: 2,
		Code: build(t, func(b *Builder) {
			b.Op(OpLoadThis, 1)
			b.Emit(Instruction{Op: OpSetProp, A: 1, B: 0, Name: "count", C: 1})
			b.Return0()
		}),
	})
	c := startProgram(t, []*Class{counter})
	p, err := c.CreateService("counter", "Counter", Int(40))
	if err != nil {
		t.Fatal(err)
	}
	p.Invoke("increment")
	p.Invoke("increment")
	if v := mustOne(t)(await(t, p.Invoke("get"))); !Equal(v, Int(42)) {
		t.Errorf("count = %v, want 42", v)
	}
	if _, err := c.CreateService("counter", "Counter", Int(1)); !errors.Is(err, ErrIllegalArgument) {
		t.Errorf("duplicate service name = %v, want IllegalArgument", err)
	}
}

func TestInternalFaultTerminatesService(t *testing.T) {
	crash := &Class{Name: "Crash", Service: true}
	p, err := LoadProgram(&Module{Name: "crash", Classes: []*Class{crash}},
		NativeBinding{Class: "Crash", Signature: "boom", Fn: func(*Frame, Handle, []Handle) ([]Handle, error) {
			panic("wires crossed")
		}},
	)
	if err != nil {
		t.Fatal(err)
	}
	c := NewContainer(p)
	c.Start()
	t.Cleanup(func() { stopContainer(t, c) })

	svc, err := c.CreateService("crash", "Crash")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := await(t, svc.Invoke("boom")); !errors.Is(err, ErrServiceTerminated) {
		t.Fatalf("boom = %v, want ServiceTerminated", err)
	}
	if _, err := svc.Context(); !errors.Is(err, ErrServiceTerminated) {
		t.Errorf("stale proxy Context = %v, want ServiceTerminated", err)
	}
	if _, err := await(t, svc.Invoke("boom")); !errors.Is(err, ErrServiceTerminated) {
		t.Errorf("call on a terminated service = %v, want ServiceTerminated", err)
	}
}

// ---------------------------------------------------------------------------
// Alarms
// ---------------------------------------------------------------------------

func TestAlarmFires(t *testing.T) {
	c := startProgram(t, []*Class{counterClass(t)})
	p, _ := c.CreateService("counter", "Counter")
	ctx, _ := p.Context()

	alarm, err := ctx.ScheduleAfter(10*time.Millisecond, "increment")
	if err != nil {
		t.Fatal(err)
	}
	stopCtx, cancel := contextWithTestTimeout()
	defer cancel()
	if err := c.Join(stopCtx); err != nil {
		t.Fatal(err)
	}
	if !alarm.Future().IsDone() {
		t.Error("Join returned before the alarm ran")
	}
	if alarm.Cancel() {
		t.Error("Cancel after delivery should be a no-op")
	}
	if v := mustOne(t)(await(t, p.Invoke("get"))); !Equal(v, Int(1)) {
		t.Errorf("count = %v, want 1", v)
	}
}

func TestAlarmCancel(t *testing.T) {
	c := startProgram(t, []*Class{counterClass(t)})
	p, _ := c.CreateService("counter", "Counter")
	ctx, _ := p.Context()

	alarm, err := ctx.ScheduleAfter(time.Hour, "increment")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(); !errors.Is(err, ErrContainerBusy) {
		t.Errorf("Shutdown with a pending alarm = %v, want ContainerBusy", err)
	}
	if !alarm.Cancel() {
		t.Fatal("Cancel of a pending alarm returned false")
	}
	if alarm.Cancel() {
		t.Error("second Cancel returned true")
	}
	if _, err := await(t, alarm.Future()); err == nil {
		t.Error("canceled alarm future should fail")
	}
	if v := mustOne(t)(await(t, p.Invoke("get"))); !Equal(v, Int(0)) {
		t.Errorf("count = %v, want 0", v)
	}
}
