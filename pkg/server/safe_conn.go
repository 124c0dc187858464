package server

import (
	"io"
	"sync"
)

// Sink is the outbound side of a client connection as the registry sees it.
type Sink interface {
	WriteLine(line string) error
	Close() error
}

// SafeConn wraps a client transport with write synchronization.
//
// A connection receives replies from its own handler goroutine and fan-out
// lines from the handlers of other clients. Without the lock two writers could
// interleave their bytes and split a line on the wire.
type SafeConn struct {
	conn      io.ReadWriteCloser
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn with write synchronization
func NewSafeConn(conn io.ReadWriteCloser) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteLine sends line followed by a newline in a single write.
func (sc *SafeConn) WriteLine(line string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := io.WriteString(sc.conn, line+"\n")
	return err
}

// Read reads from the underlying transport.
// Reads don't need write synchronization.
func (sc *SafeConn) Read(p []byte) (int, error) {
	return sc.conn.Read(p)
}

// Close closes the underlying transport. Only the first call has an effect.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}
