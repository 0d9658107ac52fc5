package vm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the tunables shared by a container tree.
type Config struct {
	// Workers bounds the host goroutines stepping services; zero means
	// GOMAXPROCS.
	Workers int
	// Quantum is the number of instructions a fiber runs before it is
	// paused so other work can proceed; zero disables preemption.
	Quantum int
	// Timeout bounds how long a fiber waits on a call; zero means forever.
	Timeout time.Duration
	// Reentrancy is the policy for starting messages while fibers wait.
	Reentrancy Reentrancy
	// OnUnhandled observes exceptions escaping a message.
	OnUnhandled UnhandledHook
}

// DefaultQuantum is the default instruction budget per slice.
const DefaultQuantum = 10_000

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Quantum:     DefaultQuantum,
		Reentrancy:  ReentrancyExclusive,
		OnUnhandled: logUnhandled,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithWorkers sets the worker limit.
func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }

// WithQuantum sets the instruction budget per slice.
func WithQuantum(n int) Option { return func(c *Config) { c.Quantum = n } }

// WithTimeout sets the call timeout.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithReentrancy sets the reentrancy policy.
func WithReentrancy(r Reentrancy) Option { return func(c *Config) { c.Reentrancy = r } }

// WithUnhandledHook replaces the unhandled-exception hook.
func WithUnhandledHook(h UnhandledHook) Option { return func(c *Config) { c.OnUnhandled = h } }

func logUnhandled(ctx *ServiceContext, err *UnhandledException) {
	log.Warningf("%s: %v", ctx, err)
}

// ---------------------------------------------------------------------------
// Injection
// ---------------------------------------------------------------------------

// InjectionKey identifies an injectable resource by type and name.
type InjectionKey struct {
	Type string
	Name string
}

func (k InjectionKey) String() string {
	if k.Name == "" {
		return k.Type
	}
	return k.Type + ":" + k.Name
}

// ParseInjectionKey parses "Type" or "Type:name". A bare type matches every
// name when used in a deny-list.
func ParseInjectionKey(s string) InjectionKey {
	typ, name, _ := strings.Cut(s, ":")
	return InjectionKey{Type: strings.TrimSpace(typ), Name: strings.TrimSpace(name)}
}

// Supplier produces a resource on first injection. The result is cached by
// the container that registered the supplier.
type Supplier func(c *Container) (Handle, error)

// ---------------------------------------------------------------------------
// Container
// ---------------------------------------------------------------------------

// Container hosts services, resolves injected resources and bounds their
// lifetime. Containers form a tree; children share the root's scheduler and
// may inherit resources from their parents unless denied.
type Container struct {
	id        uuid.UUID
	name      string
	program   *Program
	reg       *Registry
	parent    *Container
	cfg       Config
	scheduler *Scheduler
	arena     *arena

	mu        sync.RWMutex
	children  []*Container
	named     map[string]*ServiceContext
	mains     map[string]*ServiceContext
	suppliers map[InjectionKey]Supplier
	resources map[InjectionKey]Handle
	deny      []InjectionKey

	supplyMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool
	alarms  atomic.Int64
	idle    chan struct{}
}

// NewContainer creates a root container for a program.
func NewContainer(p *Program, opts ...Option) *Container {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c := newContainer("root", p, nil, cfg)
	c.scheduler = NewScheduler(cfg.Workers)
	containerLog.Debugf("container %s (%s) created with %d workers", c.name, c.id, c.scheduler.Workers())
	return c
}

func newContainer(name string, p *Program, parent *Container, cfg Config) *Container {
	return &Container{
		id:        uuid.New(),
		name:      name,
		program:   p,
		reg:       p.reg,
		parent:    parent,
		cfg:       cfg,
		arena:     &arena{},
		named:     make(map[string]*ServiceContext),
		mains:     make(map[string]*ServiceContext),
		suppliers: make(map[InjectionKey]Supplier),
		resources: make(map[InjectionKey]Handle),
		idle:      make(chan struct{}, 1),
	}
}

// ID returns the container's unique identifier.
func (c *Container) ID() string { return c.id.String() }

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Parent returns the parent container, or nil for the root.
func (c *Container) Parent() *Container { return c.parent }

// Program returns the program the container runs.
func (c *Container) Program() *Program { return c.program }

// Registry returns the program registry.
func (c *Container) Registry() *Registry { return c.reg }

// Config returns the container configuration.
func (c *Container) Config() Config { return c.cfg }

// Children returns the child containers.
func (c *Container) Children() []*Container {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]*Container, len(c.children))
	copy(cp, c.children)
	return cp
}

// CreateChild creates a child container. Resources matching a deny entry
// ("Type" or "Type:name") are never looked up in the parent chain.
func (c *Container) CreateChild(name string, deny ...string) *Container {
	child := newContainer(name, c.program, c, c.cfg)
	child.scheduler = c.scheduler
	for _, d := range deny {
		child.deny = append(child.deny, ParseInjectionKey(d))
	}
	if c.started.Load() {
		child.started.Store(true)
	}
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
	containerLog.Debugf("container %s created under %s", name, c.name)
	return child
}

// Register installs a supplier for a resource.
func (c *Container) Register(typ, name string, s Supplier) error {
	if s == nil {
		return fmt.Errorf("register %s:%s: %w", typ, name, ErrIllegalArgument)
	}
	key := InjectionKey{Type: typ, Name: name}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.suppliers[key]; dup {
		return fmt.Errorf("register %s: %w: already registered", key, ErrIllegalArgument)
	}
	c.suppliers[key] = s
	return nil
}

// Inject resolves a resource: from this container first, then from its
// ancestors unless a deny entry blocks the key.
func (c *Container) Inject(typ, name string) (Handle, error) {
	key := InjectionKey{Type: typ, Name: name}
	for x := c; x != nil; x = x.parent {
		h, ok, err := x.supply(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		if x.denies(key) {
			break
		}
	}
	return nil, fmt.Errorf("%w: resource %s in container %s", ErrNotFound, key, c.name)
}

func (c *Container) denies(key InjectionKey) bool {
	for _, d := range c.deny {
		if d.Type == key.Type && (d.Name == "" || d.Name == key.Name) {
			return true
		}
	}
	return false
}

// supply returns the cached resource for key, running its supplier once.
func (c *Container) supply(key InjectionKey) (Handle, bool, error) {
	c.mu.RLock()
	h, ok := c.resources[key]
	s, has := c.suppliers[key]
	c.mu.RUnlock()
	if ok {
		return h, true, nil
	}
	if !has {
		return nil, false, nil
	}

	c.supplyMu.Lock()
	defer c.supplyMu.Unlock()
	c.mu.RLock()
	h, ok = c.resources[key]
	c.mu.RUnlock()
	if ok {
		return h, true, nil
	}
	h, err := s(c)
	if err != nil {
		return nil, false, fmt.Errorf("inject %s: %w", key, err)
	}
	h = orNull(h)
	if t, err := c.reg.Lookup(key.Type); err == nil && !t.Accepts(h) {
		return nil, false, fmt.Errorf("inject %s: %w: supplier returned %s", key, ErrTypeMismatch, c.reg.CompositionOf(h))
	}
	c.mu.Lock()
	c.resources[key] = h
	c.mu.Unlock()
	return h, true, nil
}

// CreateService creates a named service of the given class. The
// constructor, if any, is queued as the service's first message.
func (c *Container) CreateService(name, class string, args ...Handle) (*ServiceProxy, error) {
	comp, err := c.reg.Lookup(class)
	if err != nil {
		return nil, err
	}
	if err := checkShareable("argument", args); err != nil {
		return nil, err
	}
	c.mu.RLock()
	_, dup := c.named[name]
	c.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("service %s: %w: name in use", name, ErrIllegalArgument)
	}
	p, err := c.newService(comp, name, args, nil)
	if err != nil {
		return nil, err
	}
	ctx, _ := c.arena.get(p.ref)
	c.mu.Lock()
	c.named[name] = ctx
	c.mu.Unlock()
	return p, nil
}

// CreateNativeService creates a service of a native class whose methods
// reach state through ServiceContext.State.
func (c *Container) CreateNativeService(name, class string, state any) (*ServiceProxy, error) {
	comp, err := c.reg.Lookup(class)
	if err != nil {
		return nil, err
	}
	if !comp.class.Service {
		return nil, fmt.Errorf("%w: %s is not a service class", ErrIllegalArgument, class)
	}
	ctx := c.addContext(name, comp, newInstance(comp))
	ctx.state = state
	return ctx.proxy, nil
}

// Service returns a service created by CreateService.
func (c *Container) Service(name string) (*ServiceProxy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.named[name]
	if !ok {
		return nil, false
	}
	return ctx.proxy, true
}

// newService instantiates a service class; called for NEW on a service
// class and by CreateService.
func (c *Container) newService(comp *Composition, name string, args []Handle, caller *Fiber) (*ServiceProxy, error) {
	cls := comp.class
	if !cls.Service || cls.Abstract || cls.Mixin {
		return nil, fmt.Errorf("%w: %s is not an instantiable service class", ErrIllegalState, comp)
	}
	chain := comp.CallChain(constructorSignature)
	if chain.IsEmpty() && len(args) > 0 {
		return nil, fmt.Errorf("%w: %s has no constructor taking %d arguments", ErrIllegalArgument, comp, len(args))
	}
	obj := newInstance(comp)
	ctx := c.addContext(name, comp, obj)
	if !chain.IsEmpty() {
		ctx.post(&message{this: obj, chain: chain, args: args, caller: caller})
	}
	return ctx.proxy, nil
}

func (c *Container) addContext(name string, comp *Composition, obj Handle) *ServiceContext {
	ctx := newServiceContext(c, name, obj)
	ctx.ref = c.arena.insert(ctx)
	ctx.proxy = &ServiceProxy{container: c, ref: ctx.ref, comp: comp}
	containerLog.Debugf("%s: started %s", c.name, ctx)
	return ctx
}

// release drops a context from the arena; stale proxies then fail.
func (c *Container) release(ctx *ServiceContext) {
	c.arena.release(ctx.ref)
	c.mu.Lock()
	for k, v := range c.named {
		if v == ctx {
			delete(c.named, k)
		}
	}
	for k, v := range c.mains {
		if v == ctx {
			delete(c.mains, k)
		}
	}
	c.mu.Unlock()
}

// Start lets queued work run. Work posted before Start waits.
func (c *Container) Start() {
	if c.stopped.Load() {
		return
	}
	if c.started.Swap(true) {
		return
	}
	containerLog.Infof("container %s (%s) starting", c.name, c.id)
	c.arena.each(func(ctx *ServiceContext) { ctx.schedule() })
	for _, child := range c.Children() {
		child.Start()
	}
}

// Invoke runs an entry point of the form "Class.method". The class gets a
// root service context on first use; the call is queued on it.
func (c *Container) Invoke(entry string, args ...Handle) *Future {
	class, method, ok := strings.Cut(entry, ".")
	if !ok || class == "" || method == "" {
		return failedFuture(fmt.Errorf("%w: entry %q is not Class.method", ErrIllegalArgument, entry))
	}
	ctx, err := c.mainContext(class)
	if err != nil {
		return failedFuture(err)
	}
	return ctx.Invoke(method, args...)
}

func (c *Container) mainContext(class string) (*ServiceContext, error) {
	c.mu.RLock()
	ctx, ok := c.mains[class]
	c.mu.RUnlock()
	if ok {
		return ctx, nil
	}
	comp, err := c.reg.Lookup(class)
	if err != nil {
		return nil, err
	}
	if comp.class.Abstract || comp.class.Mixin {
		return nil, fmt.Errorf("%w: cannot instantiate abstract %s", ErrIllegalState, comp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.mains[class]; ok {
		return ctx, nil
	}
	obj := newInstance(comp)
	ctx = c.addContext(class, comp, obj)
	if chain := comp.CallChain(constructorSignature); !chain.IsEmpty() {
		ctx.post(&message{this: obj, chain: chain})
	}
	c.mains[class] = ctx
	return ctx, nil
}

// IsIdle reports whether every service in this container and its
// descendants is idle.
func (c *Container) IsIdle() bool {
	idle := true
	c.arena.each(func(ctx *ServiceContext) {
		if idle && !ctx.IsIdle() {
			idle = false
		}
	})
	if !idle {
		return false
	}
	for _, child := range c.Children() {
		if !child.IsIdle() {
			return false
		}
	}
	return true
}

// quiescent is IsIdle with no alarms pending anywhere in the tree.
func (c *Container) quiescent() bool {
	if c.alarms.Load() > 0 {
		return false
	}
	for _, child := range c.Children() {
		if !child.quiescent() {
			return false
		}
	}
	return c.IsIdle()
}

// joinPoll is the fallback polling interval for Join.
const joinPoll = 5 * time.Millisecond

// Join waits until the container tree is idle with no pending alarms, or
// ctx is done.
func (c *Container) Join(ctx context.Context) error {
	ticker := time.NewTicker(joinPoll)
	defer ticker.Stop()
	for {
		if c.quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.idle:
		case <-ticker.C:
		}
	}
}

// notifyIdle wakes joiners of this container and its ancestors.
func (c *Container) notifyIdle() {
	for x := c; x != nil; x = x.parent {
		select {
		case x.idle <- struct{}{}:
		default:
		}
	}
}

func (c *Container) alarmDone() {
	c.alarms.Add(-1)
	c.notifyIdle()
}

// Shutdown stops the container tree. It fails with ErrContainerBusy while
// any service has work or an alarm is pending.
func (c *Container) Shutdown() error {
	if !c.quiescent() {
		return fmt.Errorf("shutdown %s: %w", c.name, ErrContainerBusy)
	}
	if c.stopped.Swap(true) {
		return nil
	}
	for _, child := range c.Children() {
		if err := child.Shutdown(); err != nil {
			return err
		}
	}
	c.arena.each(func(ctx *ServiceContext) {
		ctx.mu.Lock()
		ctx.terminated = true
		ctx.mu.Unlock()
		c.release(ctx)
	})
	c.started.Store(false)
	if c.parent == nil {
		c.scheduler.stop()
	}
	containerLog.Infof("container %s (%s) stopped", c.name, c.id)
	return nil
}
