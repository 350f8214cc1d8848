package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigWatcher_StartStop(t *testing.T) {
	cw, err := NewConfigWatcher()
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	if cw.IsRunning() {
		t.Error("new watcher should not be running")
	}

	if err := cw.Start(filepath.Join(t.TempDir(), "lsync.toml")); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !cw.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := cw.Start("other.toml"); err == nil {
		t.Error("second Start() should fail")
	}

	if err := cw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if cw.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := cw.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestConfigWatcher_Events(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsync.toml")

	cw, err := NewConfigWatcher()
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	defer cw.Stop()
	if err := cw.Start(path); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Sibling files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("[cache]\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case ev := <-cw.Events():
		if ev.Op != OpWrite || filepath.Base(ev.Path) != "lsync.toml" {
			t.Errorf("event = %+v, want write of lsync.toml", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for config write")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-cw.Events():
			if ev.Op == OpRemove {
				return
			}
		case <-deadline:
			t.Fatal("no remove event")
		}
	}
}

func TestEventOpString(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{EventOp(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
