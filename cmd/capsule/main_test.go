package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const moduleYAML = `
name: cli
main: App.main
classes:
  - name: App
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
      - name: hello
        registers: 2
        code:
          - {op: INJECT, a: 0, type: Console}
          - {op: LOAD_CONST, a: 1, value: hi}
          - {op: INVOKE, a: 0, name: println, args: [1]}
          - {op: RETURN_0}
`

func writeModule(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, o options) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), o, &out)
	return code, out.String()
}

func TestRunEntry(t *testing.T) {
	path := writeModule(t, t.TempDir(), moduleYAML)
	code, out := runCLI(t, options{module: path, noManifest: true})
	if code != 2 || out != "2\n" {
		t.Errorf("run = %d %q, want 2 \"2\\n\"", code, out)
	}
}

func TestHashAndEncode(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, moduleYAML)

	code, yamlHash := runCLI(t, options{module: path, noManifest: true, hash: true})
	if code != 0 || len(strings.TrimSpace(yamlHash)) != 64 {
		t.Fatalf("hash = %d %q", code, yamlHash)
	}

	image := filepath.Join(dir, "main.capsule")
	if code, _ := runCLI(t, options{module: path, noManifest: true, encode: image}); code != 0 {
		t.Fatalf("encode exit %d", code)
	}
	code, imageHash := runCLI(t, options{module: image, noManifest: true, hash: true})
	if code != 0 || imageHash != yamlHash {
		t.Errorf("image hash %q, want %q", imageHash, yamlHash)
	}
	if code, out := runCLI(t, options{module: image, noManifest: true}); code != 2 || out != "2\n" {
		t.Errorf("running the image = %d %q", code, out)
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, moduleYAML)

	for _, tc := range []struct {
		name string
		o    options
		want int
	}{
		{"missing module", options{module: filepath.Join(dir, "nope.yaml"), noManifest: true}, 1},
		{"no module", options{noManifest: true}, 2},
		{"unknown entry", options{module: path, noManifest: true, entry: "App.nothing"}, 1},
		{"unknown container", options{module: path, noManifest: true, entry: "box:App.main"}, 2},
		{"bad reentrancy", options{module: path, noManifest: true, reentrancy: "sometimes"}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if code, _ := runCLI(t, tc.o); code != tc.want {
				t.Errorf("exit %d, want %d", code, tc.want)
			}
		})
	}
}

func TestManifestContainersAndLock(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, moduleYAML)
	manifestTOML := `
[project]
name = "cli"
entry = "App.main"

[runtime]
workers = 2
timeout = "2s"

[[container]]
name = "sandbox"
deny = ["Console"]
`
	if err := os.WriteFile(filepath.Join(dir, "capsule.toml"), []byte(manifestTOML), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if code, out := runCLI(t, options{}); code != 2 || out != "2\n" {
		t.Errorf("manifest entry = %d %q", code, out)
	}
	if code, _ := runCLI(t, options{entry: "App.hello"}); code != 0 {
		t.Errorf("App.hello in root exit %d", code)
	}
	if code, _ := runCLI(t, options{entry: "sandbox:App.hello"}); code != 1 {
		t.Errorf("denied Console in sandbox exit %d, want 1", code)
	}

	if code, _ := runCLI(t, options{lock: true}); code != 2 {
		t.Fatalf("pinning exit %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, ".capsule", "lock.toml")); err != nil {
		t.Fatal(err)
	}
	writeModule(t, dir, strings.Replace(moduleYAML, "default: 2", "default: 3", 1))
	if code, _ := runCLI(t, options{}); code != 1 {
		t.Errorf("changed module passed the lock check, exit %d", code)
	}
	if code, out := runCLI(t, options{lock: true}); code != 3 || out != "3\n" {
		t.Errorf("re-pinned run = %d %q", code, out)
	}
}
