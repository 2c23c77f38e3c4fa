package nsq

import (
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// testDelegate records every ConnDelegate callback for assertion.
type testDelegate struct {
	mtx sync.Mutex

	messages  []*Message
	responses [][]byte
	errors    []*Error
	finished  []bool
	heartbeats int
	ioErrors  []error
	auths     []*authResponse
	closed    int

	closeSignal chan struct{}
}

func newTestDelegate() *testDelegate {
	return &testDelegate{closeSignal: make(chan struct{})}
}

func (d *testDelegate) OnMessage(c *conn, msg *Message) {
	d.mtx.Lock()
	d.messages = append(d.messages, msg)
	d.mtx.Unlock()
}

func (d *testDelegate) OnResponse(c *conn, data []byte) {
	d.mtx.Lock()
	d.responses = append(d.responses, data)
	d.mtx.Unlock()
}

func (d *testDelegate) OnError(c *conn, err *Error) {
	d.mtx.Lock()
	d.errors = append(d.errors, err)
	d.mtx.Unlock()
}

func (d *testDelegate) OnMessageFinished(c *conn, msg *Message, success bool, backoff bool) {
	d.mtx.Lock()
	d.finished = append(d.finished, success)
	d.mtx.Unlock()
}

func (d *testDelegate) OnHeartbeat(c *conn) {
	d.mtx.Lock()
	d.heartbeats++
	d.mtx.Unlock()
}

func (d *testDelegate) OnIOError(c *conn, err error) {
	d.mtx.Lock()
	d.ioErrors = append(d.ioErrors, err)
	d.mtx.Unlock()
}

func (d *testDelegate) OnAuth(c *conn, resp *authResponse) {
	d.mtx.Lock()
	d.auths = append(d.auths, resp)
	d.mtx.Unlock()
}

func (d *testDelegate) OnClose(c *conn) {
	d.mtx.Lock()
	d.closed++
	d.mtx.Unlock()
	close(d.closeSignal)
}

func (d *testDelegate) messageCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.messages)
}

func (d *testDelegate) heartbeatCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.heartbeats
}

func (d *testDelegate) errorCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.errors)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

func TestConnConnectAndSubscribe(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	var gotTopic, gotChannel string
	broker.onSUB = func(topic, channel string) {
		gotTopic, gotChannel = topic, channel
	}

	cfg := NewConfig()
	delegate := newTestDelegate()
	c := newConn(broker.Addr(), cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if c.state() != StateConnected {
		t.Fatal("expected conn to be connected")
	}

	if err := c.Subscribe("topic", "channel"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return gotTopic == "topic" && gotChannel == "channel" })
}

func TestConnMessageDelivery(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	cfg := NewConfig()
	delegate := newTestDelegate()
	c := newConn(broker.Addr(), cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	var id MessageID
	copy(id[:], "deadbeefdeadbeef")
	if err := broker.pushMessage(id, []byte("hello"), 1, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return delegate.messageCount() == 1 })

	delegate.mtx.Lock()
	msg := delegate.messages[0]
	delegate.mtx.Unlock()

	if string(msg.Body) != "hello" || msg.ID != id {
		t.Fatalf("unexpected message delivered: %s", spew.Sdump(msg))
	}

	if c.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1", c.InFlight())
	}

	if err := msg.Finish(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return c.InFlight() == 0 })
}

func TestConnHeartbeatTriggersNop(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	cfg := NewConfig()
	delegate := newTestDelegate()
	c := newConn(broker.Addr(), cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	if err := broker.sendHeartbeat(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return delegate.heartbeatCount() == 1 })
}

func TestConnFatalErrorClosesConnection(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	cfg := NewConfig()
	delegate := newTestDelegate()
	c := newConn(broker.Addr(), cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	broker.mtx.Lock()
	peer := broker.conns[len(broker.conns)-1]
	broker.mtx.Unlock()
	if err := writeFrame(peer, FrameTypeError, []byte("E_BAD_TOPIC topic name invalid")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-delegate.closeSignal:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnClose after a fatal error frame")
	}

	if delegate.errorCount() != 1 {
		t.Fatalf("errorCount = %d, want 1", delegate.errorCount())
	}
	if c.state() != StateDisconnected {
		t.Fatal("expected conn to be disconnected after a fatal error")
	}
}

func TestConnSetReadyClampsToMax(t *testing.T) {
	broker, err := newFakeBroker()
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	cfg := NewConfig()
	delegate := newTestDelegate()
	c := newConn(broker.Addr(), cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	if err := c.SetReady(100000); err != nil {
		t.Fatal(err)
	}
	if c.RDY() != c.MaxRDY() {
		t.Fatalf("RDY() = %d, want clamped to MaxRDY() = %d", c.RDY(), c.MaxRDY())
	}

	if err := c.SetReady(-5); err != nil {
		t.Fatal(err)
	}
	if c.RDY() != 0 {
		t.Fatalf("RDY() = %d, want 0 after a negative SetReady", c.RDY())
	}
}
