package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/types"
)

func TestSplitQueueKey(t *testing.T) {
	u, d, ok := splitQueueKey(queue.Key("alice", "phone-1"))
	if !ok || u != "alice" || d != "phone-1" {
		t.Fatalf("splitQueueKey = %q, %q, %v", u, d, ok)
	}

	for _, key := range []string{"", "other:alice:phone", "offline_operations:alice", "offline_operations::phone"} {
		if _, _, ok := splitQueueKey(key); ok {
			t.Errorf("splitQueueKey(%q) should fail", key)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("90m", now)
	if err != nil {
		t.Fatalf("parseSince duration: %v", err)
	}
	if want := now.Add(-90 * time.Minute); !got.Equal(want) {
		t.Errorf("duration: got %v, want %v", got, want)
	}

	got, err = parseSince("2026-02-28T10:00:00Z", now)
	if err != nil {
		t.Fatalf("parseSince RFC3339: %v", err)
	}
	if want := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("RFC3339: got %v, want %v", got, want)
	}

	got, err = parseSince("", now)
	if err != nil || !got.IsZero() {
		t.Errorf("empty: got %v, %v", got, err)
	}

	if _, err := parseSince("banana", now); err == nil {
		t.Error("expected error for unparseable value")
	}
}

func TestWriteOutput(t *testing.T) {
	v := map[string]int{"pending": 3}

	var buf bytes.Buffer
	if err := writeOutput(&buf, formatJSON, v, nil); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded["pending"] != 3 {
		t.Errorf("json round trip: %v %v", decoded, err)
	}

	buf.Reset()
	if err := writeOutput(&buf, formatYAML, v, nil); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	decoded = nil
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded["pending"] != 3 {
		t.Errorf("yaml round trip: %v %v", decoded, err)
	}

	buf.Reset()
	called := false
	err := writeOutput(&buf, formatText, v, func(w io.Writer) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("text: called=%v err=%v", called, err)
	}

	if err := writeOutput(&buf, "xml", v, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRuleEntries(t *testing.T) {
	all, err := ruleEntries("")
	if err != nil {
		t.Fatalf("ruleEntries: %v", err)
	}
	if len(all) != len(types.AllDataTypes()) {
		t.Errorf("got %d entries, want %d", len(all), len(types.AllDataTypes()))
	}

	one, err := ruleEntries(strings.ToLower(string(types.AllDataTypes()[0])))
	if err != nil || len(one) != 1 {
		t.Fatalf("single type: %v %v", one, err)
	}

	if _, err := ruleEntries("NOT_A_TYPE"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestWriteRulesText(t *testing.T) {
	entries, err := ruleEntries("")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeRulesText(&buf, entries); err != nil {
		t.Fatal(err)
	}
	for _, dt := range types.AllDataTypes() {
		if !strings.Contains(buf.String(), string(dt)) {
			t.Errorf("output missing %s", dt)
		}
	}
}
