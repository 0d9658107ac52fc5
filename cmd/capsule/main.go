// Capsule CLI - loads a module document and runs its entry point in a
// container with the native resources installed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chazu/capsule/loader"
	"github.com/chazu/capsule/manifest"
	"github.com/chazu/capsule/resources"
	"github.com/chazu/capsule/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("capsule")

// options are the command-line settings, layered over capsule.toml.
type options struct {
	entry      string
	verbose    int
	logPath    string
	workers    int
	quantum    int
	timeout    time.Duration
	reentrancy string
	storage    string
	seed       int64
	hash       bool
	encode     string
	lock       bool
	noManifest bool
	module     string
}

func main() {
	var o options
	flag.StringVar(&o.entry, "m", "", "Entry point: Class.method, or container:Class.method")
	flag.IntVar(&o.verbose, "v", 0, "Log verbosity (0 keeps the manifest setting)")
	flag.StringVar(&o.logPath, "log", "", "Log file (default stderr)")
	flag.IntVar(&o.workers, "workers", 0, "Scheduler workers (default GOMAXPROCS)")
	flag.IntVar(&o.quantum, "quantum", 0, "Instructions per fiber slice")
	flag.DurationVar(&o.timeout, "timeout", 0, "Cross-service call timeout")
	flag.StringVar(&o.reentrancy, "reentrancy", "", "Reentrancy: exclusive, prioritized, open or forbidden")
	flag.StringVar(&o.storage, "storage", "", "Storage database path (default in memory)")
	flag.Int64Var(&o.seed, "seed", 0, "Random seed (0 seeds from the clock)")
	flag.BoolVar(&o.hash, "hash", false, "Print the module hash and exit")
	flag.StringVar(&o.encode, "encode", "", "Write the module's CBOR image to this path and exit")
	flag.BoolVar(&o.lock, "lock", false, "Pin the module hash in .capsule/lock.toml")
	flag.BoolVar(&o.noManifest, "no-manifest", false, "Ignore capsule.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: capsule [options] [module]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a module document (.yaml, .yml, .cbor or .capsule). Without a module\n")
		fmt.Fprintf(os.Stderr, "argument the module named in capsule.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  capsule app.yaml -m App.main          # Run App.main\n")
		fmt.Fprintf(os.Stderr, "  capsule -m sandbox:App.main           # Run in the [[container]] named sandbox\n")
		fmt.Fprintf(os.Stderr, "  capsule app.yaml -encode app.capsule  # Write the binary image\n")
		fmt.Fprintf(os.Stderr, "  capsule app.capsule -hash             # Print the image hash\n")
	}
	flag.Parse()
	o.module = flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, o, os.Stdout))
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, o options, stdout io.Writer) int {
	var m *manifest.Manifest
	if !o.noManifest {
		var err error
		if m, err = manifest.FindAndLoad("."); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			return 1
		}
	}
	configureLog(m, o)

	path := o.module
	if path == "" && m != nil {
		path = m.ModulePath()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: no module given and no capsule.toml found")
		return 2
	}

	doc, err := loader.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	hash, err := loader.Hash(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if o.hash {
		fmt.Fprintln(stdout, hash)
		return 0
	}
	if o.encode != "" {
		if err := loader.WriteCBOR(o.encode, doc); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		log.Infof("wrote %s (%s)", o.encode, hash)
		return 0
	}
	if m != nil {
		if err := checkLock(m, path, hash, o.lock); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	p, err := loader.Compile(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	root, set, err := build(p, m, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := root.Shutdown(); err != nil {
			log.Warningf("shutdown: %v", err)
		}
		if err := set.Close(); err != nil {
			log.Warningf("closing resources: %v", err)
		}
	}()

	entry := o.entry
	if entry == "" && m != nil {
		entry = m.Project.Entry
	}
	if entry == "" {
		entry = p.Main()
	}
	if entry == "" {
		// Nothing to run; loading and resolving succeeded.
		return 0
	}
	target, entry, err := findContainer(root, entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	root.Start()
	vals, err := execute(ctx, root, target, entry)
	if err != nil {
		var ue *vm.UnhandledException
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "Unhandled %s\n", ue.Exception)
			for _, fr := range ue.Trace {
				fmt.Fprintf(os.Stderr, "  at %s\n", fr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	for _, v := range vals {
		fmt.Fprintln(stdout, v)
	}
	// A single Int result becomes the exit code.
	if len(vals) == 1 {
		if prim, ok := vm.Deref(vals[0]).(vm.Primitive); ok && prim.Kind() == vm.KindInt {
			return int(prim.AsInt())
		}
	}
	return 0
}

func configureLog(m *manifest.Manifest, o options) {
	verbosity := 1
	var path *string
	if m != nil {
		verbosity = m.Log.Verbosity
		if m.Log.Path != "" {
			p := m.Log.Path
			if !filepath.IsAbs(p) {
				p = filepath.Join(m.Dir, p)
			}
			path = &p
		}
	}
	if o.verbose != 0 {
		verbosity = o.verbose
	}
	if o.logPath != "" {
		path = &o.logPath
	}
	commonlog.Configure(verbosity, path)
}

// build creates the root container, its resources and the manifest's
// child containers.
func build(p *vm.Program, m *manifest.Manifest, o options) (*vm.Container, *resources.Set, error) {
	opts, err := containerOptions(m, o)
	if err != nil {
		return nil, nil, err
	}
	root := vm.NewContainer(p, opts...)

	ro := resources.Options{Seed: o.seed, StoragePath: o.storage}
	if m != nil {
		if ro.Seed == 0 {
			ro.Seed = m.Resources.Seed
		}
		if ro.StoragePath == "" {
			ro.StoragePath = m.StoragePath()
		}
		ro.Disable = m.Resources.Disable
	}
	set, err := resources.Provide(root, ro)
	if err != nil {
		return nil, nil, err
	}
	if m != nil {
		for _, c := range m.Containers {
			root.CreateChild(c.Name, c.Deny...)
		}
	}
	return root, set, nil
}

func containerOptions(m *manifest.Manifest, o options) ([]vm.Option, error) {
	var opts []vm.Option
	workers, quantum, timeout, reentrancy := o.workers, o.quantum, o.timeout, o.reentrancy
	if m != nil {
		if workers == 0 {
			workers = m.Runtime.Workers
		}
		if quantum == 0 {
			quantum = m.Runtime.Quantum
		}
		if timeout == 0 {
			timeout = m.Runtime.Timeout.Duration
		}
		if reentrancy == "" {
			reentrancy = m.Runtime.Reentrancy
		}
	}
	if workers > 0 {
		opts = append(opts, vm.WithWorkers(workers))
	}
	if quantum > 0 {
		opts = append(opts, vm.WithQuantum(quantum))
	}
	if timeout > 0 {
		opts = append(opts, vm.WithTimeout(timeout))
	}
	if reentrancy != "" {
		r, err := vm.ParseReentrancy(reentrancy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vm.WithReentrancy(r))
	}
	return opts, nil
}

// findContainer splits "name:Class.method" and finds the named child.
func findContainer(root *vm.Container, entry string) (*vm.Container, string, error) {
	name, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return root, entry, nil
	}
	for _, c := range root.Children() {
		if c.Name() == name {
			return c, rest, nil
		}
	}
	return nil, "", fmt.Errorf("no container named %q", name)
}

// execute invokes entry on target and waits for both its result and the
// whole container tree to go quiet.
func execute(ctx context.Context, root, target *vm.Container, entry string) ([]vm.Handle, error) {
	future := target.Invoke(entry)
	var vals []vm.Handle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vals, err = future.Wait(gctx)
		return err
	})
	g.Go(func() error {
		return root.Join(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vals, nil
}

// checkLock verifies hash against the lock file, or pins it when pin is
// set.
func checkLock(m *manifest.Manifest, path, hash string, pin bool) error {
	lockPath := m.LockFilePath()
	lf, err := manifest.ReadLock(lockPath)
	if err != nil {
		return err
	}
	rel := path
	if abs, err := filepath.Abs(path); err == nil {
		if r, err := filepath.Rel(m.Dir, abs); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	if !pin {
		return lf.Verify(rel, hash)
	}
	if lf == nil {
		lf = &manifest.LockFile{}
	}
	lf.Pin(rel, hash)
	if err := manifest.WriteLock(lockPath, lf); err != nil {
		return err
	}
	log.Noticef("pinned %s at %s", rel, hash)
	return nil
}
