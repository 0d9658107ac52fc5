package vm

import "fmt"

// ServiceProxy is the handle through which other services and the host
// reach a service. It never exposes the service object itself.
type ServiceProxy struct {
	container *Container
	ref       ServiceRef
	comp      *Composition
}

func (p *ServiceProxy) Kind() Kind { return KindService }

// Composition returns the service class.
func (p *ServiceProxy) Composition() *Composition { return p.comp }

// Ref returns the arena reference.
func (p *ServiceProxy) Ref() ServiceRef { return p.ref }

// Container returns the container hosting the service.
func (p *ServiceProxy) Container() *Container { return p.container }

// Context returns the live service context, or ErrServiceTerminated when
// the service is gone.
func (p *ServiceProxy) Context() (*ServiceContext, error) {
	ctx, ok := p.container.arena.get(p.ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrServiceTerminated, p.comp, p.ref)
	}
	return ctx, nil
}

// Invoke sends sig to the service from outside the engine.
func (p *ServiceProxy) Invoke(sig string, args ...Handle) *Future {
	ctx, err := p.Context()
	if err != nil {
		return failedFuture(err)
	}
	return ctx.Invoke(sig, args...)
}

func (p *ServiceProxy) String() string {
	return fmt.Sprintf("%s#%s", p.comp, p.ref)
}
