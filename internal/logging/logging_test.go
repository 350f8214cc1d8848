package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lsync.log")
	l := New(Config{File: path, MaxSizeMB: 1})
	defer l.Close()

	l.Printf("base line")
	l.Component("daemon").Printf("component line")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[lsync] ") || !strings.Contains(out, "base line") {
		t.Errorf("log file missing base line:\n%s", out)
	}
	if !strings.Contains(out, "[daemon] component line") {
		t.Errorf("log file missing component line:\n%s", out)
	}
}

func TestNew_NoFile(t *testing.T) {
	l := New(Config{})
	if l.Logger == nil {
		t.Fatal("New() returned nil logger")
	}
	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate() without file = %v, want nil", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() without file = %v, want nil", err)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Printf("dropped")
}
