package realtime

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
)

var quiet = log.New(io.Discard, "", 0)

type fakeConn struct {
	mu      sync.Mutex
	sent    []ServerMessage
	sendErr error
	pingErr error
	closed  bool
}

func (f *fakeConn) Send(_ context.Context, msg ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerMessage(nil), f.sent...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var errBroken = errors.New("broken pipe")
