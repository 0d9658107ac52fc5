package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/capsule/vm"
)

const appYAML = `
name: demo
main: App.main
constants:
  greeting: hello
  primes: {kind: array, type: Int, elems: [2, 3, 5, 7]}
classes:
  - name: App
    properties:
      - name: label
        type: String
        default: app
    methods:
      - name: call1
        params:
          - {name: a, type: Int}
          - {name: b, type: Int, default: 2}
        returns: 1
        registers: 2
        code:
          - {op: RETURN_1, a: 1}
      - name: main
        returns: 1
        registers: 3
        code:
          - {op: LOAD_CONST, a: 0, value: 0}
          - {op: LOAD_THIS, a: 2}
          - {op: INVOKE, a: 2, name: call1, args: [0], rets: [1]}
          - {op: RETURN_1, a: 1}
      - name: greet
        returns: 1
        registers: 1
        code:
          - {op: LOAD_CONST, a: 0, const: greeting}
          - {op: RETURN_1, a: 0}
      - name: primes
        returns: 2
        registers: 3
        code:
          - {op: LOAD_CONST, a: 0, const: primes}
          - {op: ARRAY_SIZE, a: 1, b: 0}
          - {op: INVOKE, a: 0, name: mutability, rets: [2]}
          - {op: RETURN_N, args: [1, 2]}
      - name: letter
        returns: 1
        registers: 1
        code:
          - {op: LOAD_CONST, a: 0, value: !char x}
          - {op: RETURN_1, a: 0}
      - name: tryCatch
        returns: 2
        registers: 5
        code:
          - op: GUARD
            catches:
              - {type: IllegalState, reg: 1, handler: caught}
          - {op: LOAD_CONST, a: 0, value: boom}
          - {op: NEW, a: 2, type: IllegalState, args: [0]}
          - {op: THROW, a: 2}
          - {op: GUARD_EXIT, target: after}
          - label: caught
            op: INVOKE
            a: 1
            name: message
            rets: [3]
          - {op: CATCH_END, target: after}
          - label: after
            op: LOAD_CONST
            a: 4
            value: after
          - {op: RETURN_N, args: [3, 4]}
      - name: count
        returns: 1
        registers: 4
        code:
          - {op: LOAD_CONST, a: 0, value: 0}
          - {op: LOAD_CONST, a: 1, value: 1}
          - {op: LOAD_CONST, a: 2, value: 5}
          - label: loop
          - {op: ADD, a: 0, b: 0, c: 1}
          - {op: IS_LT, a: 3, b: 0, c: 2}
          - {op: JUMP_TRUE, a: 3, target: loop}
          - {op: RETURN_1, a: 0}
`

func compileYAML(t *testing.T, src string) *vm.Program {
	t.Helper()
	doc, err := DecodeYAML([]byte(src))
	if err != nil {
		t.Fatalf("DecodeYAML: %v", err)
	}
	p, err := Compile(doc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return p
}

func run(t *testing.T, p *vm.Program, entry string, args ...vm.Handle) []vm.Handle {
	t.Helper()
	c := vm.NewContainer(p)
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Join(ctx); err != nil {
			t.Errorf("Join: %v", err)
		}
		if err := c.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vals, err := c.Invoke(entry, args...).Wait(ctx)
	if err != nil {
		t.Fatalf("%s: %v", entry, err)
	}
	return vals
}

func TestYAMLModuleRuns(t *testing.T) {
	p := compileYAML(t, appYAML)
	if p.Main() != "App.main" {
		t.Errorf("Main = %q", p.Main())
	}

	cases := []struct {
		entry string
		args  []vm.Handle
		want  []vm.Handle
	}{
		{"App.main", nil, []vm.Handle{vm.Int(2)}},
		{"App.call1", []vm.Handle{vm.Int(0), vm.Int(5)}, []vm.Handle{vm.Int(5)}},
		{"App.greet", nil, []vm.Handle{vm.Str("hello")}},
		{"App.primes", nil, []vm.Handle{vm.Int(4), vm.Str("Constant")}},
		{"App.letter", nil, []vm.Handle{vm.Char('x')}},
		{"App.tryCatch", nil, []vm.Handle{vm.Str("boom"), vm.Str("after")}},
		{"App.count", nil, []vm.Handle{vm.Int(5)}},
	}
	for _, tc := range cases {
		t.Run(tc.entry, func(t *testing.T) {
			got := run(t, p, tc.entry, tc.args...)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if !vm.Equal(got[i], tc.want[i]) {
					t.Errorf("result %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestPropertyDefaultFromDocument(t *testing.T) {
	doc, err := DecodeYAML([]byte(appYAML))
	if err != nil {
		t.Fatal(err)
	}
	m, err := doc.Module()
	if err != nil {
		t.Fatal(err)
	}
	app := m.Classes[0]
	if d := app.Properties[0].Default; !vm.Equal(d, vm.Str("app")) {
		t.Errorf("label default = %v", d)
	}
	if d := app.Methods[0].Params[1].Default; !vm.Equal(d, vm.Int(2)) {
		t.Errorf("b default = %v", d)
	}
}

func TestCBORRoundTripAndHash(t *testing.T) {
	doc, err := DecodeYAML([]byte(appYAML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := EncodeCBOR(doc)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeCBOR(data)
	if err != nil {
		t.Fatal(err)
	}

	h1, err := Hash(doc)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(back)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || len(h1) != 64 {
		t.Errorf("hashes differ after round trip: %s vs %s", h1, h2)
	}

	back.Classes[0].Methods[0].Returns = 2
	if h3, _ := Hash(back); h3 == h1 {
		t.Error("hash did not change with the document")
	}

	image, err := DecodeCBOR(data)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Compile(image)
	if err != nil {
		t.Fatal(err)
	}
	if got := run(t, p, "App.tryCatch"); !vm.Equal(got[0], vm.Str("boom")) {
		t.Errorf("tryCatch from CBOR = %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "demo.yaml")
	if err := os.WriteFile(yamlPath, []byte(appYAML), 0644); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatal(err)
	}

	cborPath := filepath.Join(dir, "demo.cbor")
	if err := WriteCBOR(cborPath, doc); err != nil {
		t.Fatal(err)
	}
	fromImage, err := LoadFile(cborPath)
	if err != nil {
		t.Fatal(err)
	}
	if fromImage.Name != "demo" || len(fromImage.Classes) != 1 {
		t.Errorf("image = %+v", fromImage)
	}

	if _, err := LoadFile(filepath.Join(dir, "demo.txt")); err == nil {
		t.Error("unknown extension should fail")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestDocumentErrors(t *testing.T) {
	cases := map[string]struct {
		src  string
		want string
	}{
		"empty":         {"", "empty"},
		"no name":       {"classes: []", "no name"},
		"unknown key":   {"name: x\nflavour: sour\n", "flavour"},
		"duplicate":     {"name: x\nclasses: [{name: A}, {name: A}]\n", "duplicate class A"},
		"bad char":      {"name: x\nconstants: {c: !char xy}\n", "one character"},
		"unknown op":    {method("{op: FROB}"), "App.m[0]: unknown opcode"},
		"no target":     {method("{op: JUMP}"), "needs a target"},
		"unmarked":      {method("{op: JUMP, target: nowhere}"), `label "nowhere" is never marked`},
		"marked twice":  {method("{label: l}", "{label: l}"), "marked twice"},
		"no op":         {method("{a: 1}"), "has no op"},
		"unknown const": {method("{op: LOAD_CONST, const: nope}"), `unknown constant "nope"`},
		"bad guard":     {method("{op: GUARD}"), "at least one catch"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc, err := DecodeYAML([]byte(tc.src))
			if err == nil {
				_, err = Compile(doc)
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

// method wraps instructions in a one-method module.
func method(instrs ...string) string {
	var b strings.Builder
	b.WriteString("name: x\nclasses:\n  - name: App\n    methods:\n      - name: m\n        code:\n")
	for _, in := range instrs {
		b.WriteString("          - " + in + "\n")
	}
	return b.String()
}

func TestCompileReportsProgramErrors(t *testing.T) {
	doc, err := DecodeYAML([]byte(`
name: broken
classes:
  - {name: A, super: Missing}
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Compile(doc); !errors.Is(err, vm.ErrNotFound) {
		t.Errorf("Compile = %v, want NotFound", err)
	}
}
