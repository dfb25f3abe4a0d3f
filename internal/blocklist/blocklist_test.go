package blocklist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIsBlocked(t *testing.T) {
	l := New(zerolog.Nop())
	l.Block("Example.com")
	l.Block("ads.test.")

	cases := map[string]bool{
		"example.com":      true,
		"EXAMPLE.COM":      true,
		"www.example.com":  true,
		"a.b.example.com":  true,
		"notexample.com":   false,
		"example.org":      false,
		"ads.test":         true,
		"x.ads.test":       true,
		"test":             false,
		"":                 false,
		"com":              false,
		"example.com.evil": false,
	}
	for host, want := range cases {
		if got := l.IsBlocked(host); got != want {
			t.Errorf("IsBlocked(%q) = %v, want %v", host, got, want)
		}
	}

	l.Unblock("EXAMPLE.com")
	if l.IsBlocked("www.example.com") {
		t.Error("expected example.com to be unblocked")
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	l := New(zerolog.Nop())

	arr := filepath.Join(dir, "array.json")
	os.WriteFile(arr, []byte(`["a.test", " B.test "]`), 0644)
	if err := l.Load(arr); err != nil {
		t.Fatal(err)
	}
	if got := l.Hosts(); len(got) != 2 || got[0] != "a.test" || got[1] != "b.test" {
		t.Errorf("unexpected hosts %v", got)
	}

	obj := filepath.Join(dir, "object.json")
	os.WriteFile(obj, []byte(`{"c.test": true, "d.test": false}`), 0644)
	if err := l.Load(obj); err != nil {
		t.Fatal(err)
	}
	if got := l.Hosts(); len(got) != 1 || got[0] != "c.test" {
		t.Errorf("unexpected hosts %v", got)
	}

	if err := l.Load(filepath.Join(dir, "missing.json")); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty list, got %v", l.Hosts())
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{not json`), 0644)
	if err := l.Load(bad); err == nil {
		t.Error("expected a parse error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	l := New(zerolog.Nop())
	l.Block("one.test")
	l.Block("two.test")
	if err := l.Save(path); err != nil {
		t.Fatal(err)
	}

	other := New(zerolog.Nop())
	if err := other.Load(path); err != nil {
		t.Fatal(err)
	}
	if !other.IsBlocked("one.test") || !other.IsBlocked("two.test") || other.Len() != 2 {
		t.Errorf("unexpected hosts after reload: %v", other.Hosts())
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.json")
	os.WriteFile(path, []byte(`[]`), 0644)

	l := New(zerolog.Nop())
	if err := l.Load(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx, path) }()

	// The watcher registers asynchronously, so keep rewriting until it
	// picks a change up.
	deadline := time.Now().Add(5 * time.Second)
	for !l.IsBlocked("late.test") {
		if time.Now().After(deadline) {
			t.Fatal("blocklist was not reloaded")
		}
		os.WriteFile(path, []byte(`["late.test"]`), 0644)
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watch did not stop after cancel")
	}
}
