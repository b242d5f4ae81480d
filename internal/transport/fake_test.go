package transport

import (
	"net"
	"sync"
)

type sentDatagram struct {
	dest    string
	payload []byte
}

// fakeConn is an in-memory socket. Datagrams pushed to inbox are served;
// sends are recorded.
type fakeConn struct {
	local string

	mu      sync.Mutex
	sent    []sentDatagram
	sendErr error
	closed  bool

	inbox chan Datagram
	done  chan struct{}
	once  sync.Once
}

func newFakeConn(local string, sendErr error) *fakeConn {
	return &fakeConn{
		local:   local,
		sendErr: sendErr,
		inbox:   make(chan Datagram, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Send(dest string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentDatagram{dest: dest, payload: append([]byte(nil), payload...)})
	return nil
}

func (c *fakeConn) Serve(handle func(Datagram)) error {
	for {
		select {
		case dg := <-c.inbox:
			handle(dg)
		case <-c.done:
			return nil
		}
	}
}

func (c *fakeConn) LocalAddr() string { return c.local }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentCopy() []sentDatagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentDatagram(nil), c.sent...)
}

// fakeTransport hands out fakeConns and remembers them.
type fakeTransport struct {
	mu        sync.Mutex
	sendErr   error
	clients   []*fakeConn
	receivers []*fakeConn
}

func (t *fakeTransport) OpenUnicast(iface string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := newFakeConn("client-"+iface, t.sendErr)
	t.clients = append(t.clients, c)
	return c, nil
}

func (t *fakeTransport) OpenMulticastReceiver(group string, ifaces []string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := newFakeConn(group, nil)
	t.receivers = append(t.receivers, c)
	return c, nil
}

// totalSent counts datagrams over every client ever opened.
func (t *fakeTransport) totalSent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.clients {
		n += c.sentCount()
	}
	return n
}

func (t *fakeTransport) allSent() []sentDatagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentDatagram
	for _, c := range t.clients {
		out = append(out, c.sentCopy()...)
	}
	return out
}

func (t *fakeTransport) clientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}
