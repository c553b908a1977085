package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/GoodEggStudios/nice/internal/config"
)

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := newRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Name()] = true
	}

	for _, want := range []string{"serve", "version", "healthcheck", "count", "prune"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	var out bytes.Buffer
	root := newRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command returned error: %v", err)
	}
	if got := out.String(); got != "nice dev\n" {
		t.Errorf("version output = %q", got)
	}
}

// TestCountRequiresButtonID verifies count rejects a missing argument before
// touching any store.
func TestCountRequiresButtonID(t *testing.T) {
	root := newRoot()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"count"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error without a button ID")
	}
}

// TestCountReadsLocalStore runs a one-shot count against an empty bbolt store.
func TestCountReadsLocalStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "bbolt")
	t.Setenv("COUNTER_BACKEND", "kv")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("CROWDSEC_ENABLED", "false")

	var out bytes.Buffer
	root := newRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"count", "n_abcdefgh"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "n_abcdefgh 0\n" {
		t.Errorf("count output = %q", got)
	}
}

// TestPruneEmptyStore runs a one-shot sweep against an empty bbolt store.
func TestPruneEmptyStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "bbolt")
	t.Setenv("DATA_DIR", t.TempDir())

	var out bytes.Buffer
	root := newRoot()
	root.SetOut(&out)
	root.SetArgs([]string{"prune"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "pruned 0 expired keys") {
		t.Errorf("prune output = %q", out.String())
	}
}

// TestRunServerInvalidConfig verifies runServer returns an error (not panics)
// when configuration fails validation.
func TestRunServerInvalidConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memcached")

	if err := runServer(); err == nil {
		t.Fatal("expected runServer() to return an error for an unknown store backend")
	}
}

// TestLoadRejectsBadBackend verifies config.Load names the offending variable.
func TestLoadRejectsBadBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memcached")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected config.Load() to fail")
	}
	if !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Errorf("expected error message to mention STORE_BACKEND; got: %v", err)
	}
}

func TestProbeAddr(t *testing.T) {
	cases := map[string]string{
		":8081":          "127.0.0.1:8081",
		"10.0.0.2:8081":  "10.0.0.2:8081",
		"localhost:9000": "localhost:9000",
	}
	for in, want := range cases {
		if got := probeAddr(in); got != want {
			t.Errorf("probeAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildLoggerRedactsSecrets(t *testing.T) {
	cfg := &config.Config{LogLevel: "debug", LogFormat: "json", MasterSecret: "hunter2-master"}
	var buf bytes.Buffer
	log := buildLogger(cfg, &buf)
	log.Info().Str("note", "seed is hunter2-master").Msg("boot")

	if strings.Contains(buf.String(), "hunter2-master") {
		t.Errorf("secret leaked: %s", buf.String())
	}
}
