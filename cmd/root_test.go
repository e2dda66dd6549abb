package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mycelica/hypha/internal/orchestrate"
	"mycelica/hypha/internal/rpc"
)

func TestDiscoverDB(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv("HYPHA_DB", "/tmp/env.db")
		dbPath = "/tmp/flag.db"
		t.Cleanup(func() { dbPath = "" })
		got, err := DiscoverDB()
		if err != nil || got != "/tmp/env.db" {
			t.Fatalf("DiscoverDB() = %q, %v", got, err)
		}
	})

	t.Run("flag with missing directory", func(t *testing.T) {
		t.Setenv("HYPHA_DB", "")
		dbPath = filepath.Join(t.TempDir(), "missing", "x.db")
		t.Cleanup(func() { dbPath = "" })
		if _, err := DiscoverDB(); err == nil {
			t.Fatal("expected error for missing --db directory")
		}
	})

	t.Run("walk up", func(t *testing.T) {
		t.Setenv("HYPHA_DB", "")
		root := t.TempDir()
		want := filepath.Join(root, ".hypha.db")
		if err := os.WriteFile(want, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		nested := filepath.Join(root, "a", "b")
		if err := os.MkdirAll(nested, 0o755); err != nil {
			t.Fatal(err)
		}
		t.Chdir(nested)
		got, err := DiscoverDB()
		if err != nil {
			t.Fatalf("DiscoverDB: %v", err)
		}
		if got != want {
			t.Errorf("DiscoverDB() = %q, want %q", got, want)
		}
	})

	t.Run("xdg fallback is created", func(t *testing.T) {
		t.Setenv("HYPHA_DB", "")
		t.Chdir(t.TempDir())
		data := t.TempDir()
		t.Setenv("XDG_DATA_HOME", data)
		got, err := DiscoverDB()
		if err != nil {
			t.Fatalf("DiscoverDB: %v", err)
		}
		if got != filepath.Join(data, "hypha", "hypha.db") {
			t.Errorf("DiscoverDB() = %q", got)
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Errorf("xdg dir not created: %v", err)
		}
	})
}

func TestIsPermIDLike(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"20120814110011738-105", true},
		{"", false},
		{"E-1", false},
		{"gfp primer", false},
	}
	for _, tt := range tests {
		if got := isPermIDLike(tt.in); got != tt.want {
			t.Errorf("isPermIDLike(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseYes(t *testing.T) {
	for in, want := range map[string]orchestrate.TrustDecision{
		"y\n":   orchestrate.TrustGrant,
		" YES ": orchestrate.TrustGrant,
		"\n":    orchestrate.TrustDecline,
		"nope":  orchestrate.TrustDecline,
	} {
		if got := parseYes(in); got != want {
			t.Errorf("parseYes(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTerminalDecider(t *testing.T) {
	ch := orchestrate.Challenge{Host: "openbis.local", Fingerprint: "abcd"}

	t.Run("non-interactive declines", func(t *testing.T) {
		var out bytes.Buffer
		d := &terminalDecider{in: strings.NewReader("y\n"), out: &out}
		got, err := d.Decide(context.Background(), ch)
		if err != nil || got != orchestrate.TrustDecline {
			t.Fatalf("Decide() = %v, %v", got, err)
		}
		if !strings.Contains(out.String(), "abcd") {
			t.Errorf("fingerprint not shown: %q", out.String())
		}
	})

	t.Run("interactive grant", func(t *testing.T) {
		var out bytes.Buffer
		d := &terminalDecider{in: strings.NewReader("yes\n"), out: &out, interactive: true}
		got, err := d.Decide(context.Background(), ch)
		if err != nil || got != orchestrate.TrustGrant {
			t.Fatalf("Decide() = %v, %v", got, err)
		}
	})
}

func TestDescribeError(t *testing.T) {
	transport := &rpc.TransportError{Method: "login", Status: 503}
	if got := describeError(transport); !strings.Contains(got, "offline") {
		t.Errorf("transport hint missing: %q", got)
	}
	declined := errors.Join(rpc.ErrTrustDeclined)
	if got := describeError(declined); !strings.Contains(got, "--trust") {
		t.Errorf("trust hint missing: %q", got)
	}
	if got := describeError(errors.New("plain")); got != "plain" {
		t.Errorf("describeError(plain) = %q", got)
	}
}
