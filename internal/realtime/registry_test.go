package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/learnsync/learnsync/internal/types"
)

func TestRegisterReplacesPriorConnection(t *testing.T) {
	r := NewRegistry(RegistryConfig{Logger: quiet})

	first, second := &fakeConn{}, &fakeConn{}
	if !r.Register(first, "u1", "phone", types.DeviceInfo{}) {
		t.Fatal("first registration rejected")
	}
	old, _ := r.Lookup("u1", "phone")
	if !r.Register(second, "u1", "phone", types.DeviceInfo{}) {
		t.Fatal("second registration rejected")
	}

	if !first.isClosed() {
		t.Error("replaced connection should be closed")
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", r.Count())
	}
	// The stale handle must not remove the new connection.
	if r.Unregister(old) {
		t.Error("unregistering a replaced connection should be a no-op")
	}
	if !r.Connected("u1", "phone") {
		t.Error("current connection was removed")
	}
}

func TestRegisterRejectsIncompleteIdentity(t *testing.T) {
	r := NewRegistry(RegistryConfig{Logger: quiet})
	if r.Register(&fakeConn{}, "", "phone", types.DeviceInfo{}) {
		t.Error("missing user id accepted")
	}
	if r.Register(&fakeConn{}, "u1", "", types.DeviceInfo{}) {
		t.Error("missing device id accepted")
	}
	if r.Register(nil, "u1", "phone", types.DeviceInfo{}) {
		t.Error("nil connection accepted")
	}
}

func TestUnregisterCallsHook(t *testing.T) {
	var left []string
	r := NewRegistry(RegistryConfig{Logger: quiet, OnUnregister: func(c *Connection) {
		left = append(left, c.DeviceID)
	}})
	conn := &fakeConn{}
	r.Register(conn, "u1", "web", types.DeviceInfo{})

	if !r.UnregisterDevice("u1", "web") {
		t.Fatal("UnregisterDevice failed")
	}
	if r.UnregisterDevice("u1", "web") {
		t.Error("second UnregisterDevice should fail")
	}
	if len(left) != 1 || left[0] != "web" {
		t.Errorf("hook calls = %v", left)
	}
	if !conn.isClosed() {
		t.Error("connection not closed")
	}
}

func TestCheckHeartbeats(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{Logger: quiet, Now: func() time.Time { return now }})
	r.Register(&fakeConn{}, "u1", "phone", types.DeviceInfo{})
	r.Register(&fakeConn{}, "u1", "web", types.DeviceInfo{})

	now = now.Add(60 * time.Second)
	r.Heartbeat("u1", "web")

	now = now.Add(45 * time.Second)
	if n := r.CheckHeartbeats(); n != 1 {
		t.Fatalf("Expected 1 timeout, got %d", n)
	}
	if r.Connected("u1", "phone") {
		t.Error("silent device still connected")
	}
	if !r.Connected("u1", "web") {
		t.Error("active device dropped")
	}
}

func TestMonitorDropsOnPingFailure(t *testing.T) {
	r := NewRegistry(RegistryConfig{Logger: quiet, PingInterval: 10 * time.Millisecond})
	conn := &fakeConn{pingErr: errBroken}
	c, _ := r.Attach(conn, "u1", "phone", types.DeviceInfo{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Monitor(ctx, c)

	if r.Connected("u1", "phone") {
		t.Error("connection survived a failed ping")
	}
}

func TestConnectionsOrdered(t *testing.T) {
	r := NewRegistry(RegistryConfig{Logger: quiet})
	for _, id := range []string{"web", "ext", "phone"} {
		r.Register(&fakeConn{}, "u1", id, types.DeviceInfo{})
	}
	r.Register(&fakeConn{}, "u2", "phone", types.DeviceInfo{})

	conns := r.Connections("u1")
	want := []string{"ext", "phone", "web"}
	if len(conns) != len(want) {
		t.Fatalf("Expected %d connections, got %d", len(want), len(conns))
	}
	for i, c := range conns {
		if c.DeviceID != want[i] {
			t.Errorf("conns[%d] = %s, want %s", i, c.DeviceID, want[i])
		}
	}
}
