package nsq

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// psession is one Producer broker connection: a conn plus the FIFO
// queue of outstanding response promises requires.
type psession struct {
	addr string
	conn *conn

	mtx sync.Mutex
	queue []chan error
	backoff *BackoffTimer
}

func (s *psession) enqueue(p chan error) {
	s.mtx.Lock()
	s.queue = append(s.queue, p)
	s.mtx.Unlock()
}

// resolveHead pops and resolves the oldest pending promise with err
// (nil on success), matching an "OK" or heartbeat-free RESPONSE frame
// to the publish that is FIFO-first on this session.
func (s *psession) resolveHead(err error) {
	s.mtx.Lock()
	if len(s.queue) == 0 {
		s.mtx.Unlock()
		return
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	s.mtx.Unlock()
	p <- err
}

// failAll resolves every pending promise on this session with err,
// emptying the queue — used when the session's connection fails or
// closes.
func (s *psession) failAll(err error) {
	s.mtx.Lock()
	pending := s.queue
	s.queue = nil
	s.mtx.Unlock()
	for _, p := range pending {
		p <- err
	}
}

func (s *psession) remove(p chan error) {
	s.mtx.Lock()
	for i, pr := range s.queue {
		if pr == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mtx.Unlock()
}

// Producer is the Producer Supervisor of : a pool of
// identified (not subscribed) broker connections, each carrying a FIFO
// response-promise queue so publishes on the same session resolve in
// the order they were sent.
type Producer struct {
	config *Config
	addrs []string

	mtx sync.Mutex
	sessions map[string]*psession
	pool chan *psession

	state int32
	exitChan chan struct{}

	logger Logger
	logLvl LogLevel
}

// NewProducer returns a Producer against the given static broker
// addresses. Call Start to connect.
func NewProducer(addrs []string, config *Config) *Producer {
	if config == nil {
		config = NewConfig()
	}
	config.initialize()

	return &Producer{
		config: config,
		sessions: make(map[string]*psession, len(addrs)),
		pool: make(chan *psession, len(addrs)),
		exitChan: make(chan struct{}),
		addrs: append([]string(nil), addrs...),
		logger: log.New(os.Stderr, "", log.LstdFlags),
		logLvl: LogLevelInfo,
	}
}

// SetLogger installs a logger and minimum level.
func (p *Producer) SetLogger(logger Logger, lvl LogLevel) {
	p.mtx.Lock()
	p.logger = logger
	p.logLvl = lvl
	p.mtx.Unlock()
}

// Start connects to every configured address; each session identifies
// but does not subscribe.
func (p *Producer) Start() error {
	if !atomic.CompareAndSwapInt32(&p.state, stateInit, stateRunning) {
		return &Error{Kind: ErrKindOperational, Code: "AlreadyStarted", Reason: "producer already started"}
	}

	p.mtx.Lock()
	addrs := append([]string(nil), p.addrs...)
	p.mtx.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if err := p.connect(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Producer) connect(addr string) error {
	sess := &psession{
		addr: addr,
		backoff: newSessBackoff(p.config.maxBackoffDuration),
	}
	sess.conn = newConn(addr, p.config, &producerDelegate{p: p, sess: sess})

	p.mtx.Lock()
	p.sessions[addr] = sess
	p.mtx.Unlock()

	if _, err := sess.conn.Connect(); err != nil {
		p.mtx.Lock()
		delete(p.sessions, addr)
		p.mtx.Unlock()
		p.logf(LogLevelError, "(%s) failed to connect - %s", addr, err)
		return err
	}

	p.pool <- sess
	p.logf(LogLevelInfo, "(%s) connected", addr)
	return nil
}

func (p *Producer) reconnect(sess *psession) {
	sess.backoff.Failure()
	delay := sess.backoff.Interval()
	time.AfterFunc(delay, func() {
		if p.isStopped() {
			return
		}
		p.connect(sess.addr)
	})
}

func (p *Producer) isStopped() bool {
	return atomic.LoadInt32(&p.state) == stateClosed
}

// Stop closes every session immediately; pending promises fail with
// ErrStopped.
func (p *Producer) Stop() {
	if atomic.SwapInt32(&p.state, stateClosed) == stateClosed {
		return
	}
	close(p.exitChan)

	p.mtx.Lock()
	sessions := make([]*psession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mtx.Unlock()

	for _, s := range sessions {
		s.failAll(ErrStopped)
		s.conn.forceClose()
	}
}

// acquire takes a session from the pool, blocking unless block is
// false (in which case an empty pool fails with ErrNoConnections),
//
func (p *Producer) acquire(block bool) (*psession, error) {
	if p.isStopped() {
		return nil, ErrStopped
	}
	if !block {
		for {
			select {
			case sess := <-p.pool:
				if sess.conn.state() != StateConnected {
					continue
				}
				return sess, nil
			default:
				return nil, ErrNoConnections
			}
		}
	}
	for {
		select {
		case sess := <-p.pool:
			if sess.conn.state() != StateConnected {
				continue
			}
			return sess, nil
		case <-p.exitChan:
			return nil, ErrStopped
		}
	}
}

func (p *Producer) release(sess *psession) {
	select {
	case p.pool <- sess:
	default:
	}
}

// send acquires a session, appends a fresh promise to its queue
// *before* sending cmd (so the response and the promise can never
// race), sends cmd, and returns the session to the pool.
func (p *Producer) send(cmd *Command, block bool) (chan error, error) {
	sess, err := p.acquire(block)
	if err != nil {
		return nil, err
	}

	promise := make(chan error, 1)
	sess.enqueue(promise)

	if err := sess.conn.sendCommand(cmd); err != nil {
		sess.remove(promise)
		promise <- err
		p.release(sess)
		return promise, err
	}

	p.release(sess)
	return promise, nil
}

// Publish sends PUB and blocks for the broker's response.
func (p *Producer) Publish(topic string, body []byte) error {
	promise, err := p.send(Publish(topic, body), true)
	if err != nil {
		return err
	}
	return <-promise
}

// PublishAsync sends PUB and returns immediately with a promise the
// caller can await at its convenience.
func (p *Producer) PublishAsync(topic string, body []byte) (<-chan error, error) {
	return p.send(Publish(topic, body), true)
}

// TryPublish sends PUB using a non-blocking pool acquisition: if every
// session is busy, it fails immediately with ErrNoConnections instead
// of waiting for one to free up.
func (p *Producer) TryPublish(topic string, body []byte) error {
	promise, err := p.send(Publish(topic, body), false)
	if err != nil {
		return err
	}
	return <-promise
}

// MultiPublish sends MPUB for a batch of message bodies and blocks for
// the broker's response.
func (p *Producer) MultiPublish(topic string, bodies [][]byte) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	promise, err := p.send(cmd, true)
	if err != nil {
		return err
	}
	return <-promise
}

// DeferredPublish sends DPUB and blocks for the broker's response.
func (p *Producer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	if delay < 0 {
		return &Error{Kind: ErrKindProtocolFatal, Code: CodeInvalid, Reason: "negative defer"}
	}
	promise, err := p.send(DeferredPublish(topic, delay, body), true)
	if err != nil {
		return err
	}
	return <-promise
}

func (p *Producer) logf(lvl LogLevel, format string, args ...interface{}) {
	p.mtx.Lock()
	logger := p.logger
	minLvl := p.logLvl
	p.mtx.Unlock()
	if logger == nil || lvl < minLvl {
		return
	}
	logger.Output(2, fmt.Sprintf("%s: %s", lvl, fmt.Sprintf(format, args...)))
}

// producerDelegate adapts ConnDelegate to one psession, so a Producer
// need not type-switch on which session a conn event came from.
type producerDelegate struct {
	p *Producer
	sess *psession
}

func (d *producerDelegate) OnMessage(c *conn, msg *Message) {
	// Producer sessions never subscribe, so no MESSAGE frame is expected.
}

func (d *producerDelegate) OnResponse(c *conn, data []byte) {
	d.sess.resolveHead(nil)
}

func (d *producerDelegate) OnError(c *conn, err *Error) {
	d.p.logf(LogLevelError, "(%s) error %s", d.sess.addr, err)
	// every publish error is fatal: fail every pending
	// promise on this session, the conn is already closing.
	d.sess.failAll(err)
}

func (d *producerDelegate) OnMessageFinished(c *conn, msg *Message, success bool, backoff bool) {}

func (d *producerDelegate) OnHeartbeat(c *conn) {}

func (d *producerDelegate) OnIOError(c *conn, err error) {
	d.p.logf(LogLevelWarning, "(%s) io error - %s", d.sess.addr, err)
}

func (d *producerDelegate) OnAuth(c *conn, resp *authResponse) {
	d.p.logf(LogLevelInfo, "(%s) authenticated as %s", d.sess.addr, resp.Identity)
}

var errConnectionClosed = &Error{Kind: ErrKindOperational, Code: "ConnectionClosed", Reason: "connection closed"}

func (d *producerDelegate) OnClose(c *conn) {
	d.sess.failAll(errConnectionClosed)

	d.p.mtx.Lock()
	delete(d.p.sessions, d.sess.addr)
	d.p.mtx.Unlock()

	if !d.p.isStopped() {
		d.p.reconnect(d.sess)
	}
}
