package resources

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chazu/capsule/vm"
)

type random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandom(seed int64) *random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &random{rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))}
}

func randomNatives() []vm.NativeBinding {
	return []vm.NativeBinding{
		{Class: Random, Signature: "next", Returns: 1, Fn: vm.Native0(func(f *vm.Frame, _ vm.Handle) (vm.Handle, error) {
			r, err := state[*random](f)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return vm.Int(r.rng.Int64()), nil
		})},
		// nextInt(bound): uniform in [0, bound)
		{Class: Random, Signature: "nextInt", Params: 1, Returns: 1, Fn: vm.Native1(func(f *vm.Frame, _, bound vm.Handle) (vm.Handle, error) {
			r, err := state[*random](f)
			if err != nil {
				return nil, err
			}
			n, err := intArg(bound, "bound")
			if err != nil {
				return nil, err
			}
			if n <= 0 {
				return nil, fmt.Errorf("%w: bound %d must be positive", vm.ErrIllegalArgument, n)
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return vm.Int(r.rng.Int64N(n)), nil
		})},
	}
}
