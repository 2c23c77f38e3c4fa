package nsq

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handler is called once per delivered message. Returning a
// *RequeueRequest asks the Consumer to requeue without treating it as
// an arbitrary failure; any other non-nil error requeues with
// backoff=true; a nil error finishes the message, unless the handler
// already responded or called Message.DisableAutoResponse.
type Handler interface {
	HandleMessage(msg *Message) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(msg *Message) error

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg *Message) error { return f(msg) }

// Lifecycle states shared by Consumer and Producer's atomic state field.
const (
	stateInit int32 = iota
	stateRunning
	stateClosed
)

// sessState is the per-session backoff state machine,
// distinct from conn's own INIT/CONNECTED/DISCONNECTED transport state.
type sessState int32

const (
	ssInit sessState = iota
	ssRunning
	ssBackoff
	ssThrottled
)

const (
	sessBackoffRatio = float64(time.Second)
	sessBackoffMin = 100 * time.Millisecond
)

// session tracks one broker connection's backoff state on behalf of a
// Consumer, alongside the conn itself.
type session struct {
	addr string
	static bool
	conn *conn

	state int32 // sessState, accessed atomically

	connBackoff *BackoffTimer
	msgBackoff *BackoffTimer
}

// Consumer is the Consumer Supervisor of : it owns one or
// more broker sessions subscribed to the same topic/channel, keeps
// their advertised RDY counts fair via periodic redistribution, runs
// the per-session backoff state machine, and dispatches delivered
// messages to a single registered Handler.
type Consumer struct {
	topic string
	channel string
	config *Config

	mtx sync.RWMutex
	handler Handler
	sessions map[string]*session
	staticAddrs map[string]bool
	lookupdAddrs []string
	lookupdIndex int32

	givingUp func(msg *Message)
	exception func(msg *Message, err error)

	lookupClient *LookupClient
	metrics *metrics

	logger Logger
	logLvl LogLevel

	state int32
	exitChan chan struct{}
	redistributeChan chan struct{}
	discoveryOnce sync.Once
	wg sync.WaitGroup
}

// NewConsumer validates topic/channel and returns a Consumer ready to
// have handlers and broker addresses registered before Start.
func NewConsumer(topic, channel string, config *Config) (*Consumer, error) {
	if !IsValidTopicName(topic) {
		return nil, &Error{Kind: ErrKindProtocolFatal, Code: CodeBadTopic, Reason: topic}
	}
	if !IsValidChannelName(channel) {
		return nil, &Error{Kind: ErrKindProtocolFatal, Code: CodeBadChannel, Reason: channel}
	}
	if config == nil {
		config = NewConfig()
	}
	config.initialize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Consumer{
		topic: topic,
		channel: channel,
		config: config,
		sessions: make(map[string]*session),
		staticAddrs: make(map[string]bool),
		exitChan: make(chan struct{}),
		redistributeChan: make(chan struct{}, 1),
		lookupClient: NewLookupClient(nil),
		logger: log.New(os.Stderr, "", log.LstdFlags),
		logLvl: LogLevelInfo,
	}, nil
}

// AddHandler registers the Handler invoked for every delivered message.
// Only one handler may be registered; a second call replaces the first.
func (c *Consumer) AddHandler(h Handler) {
	c.mtx.Lock()
	c.handler = h
	c.mtx.Unlock()
}

// SetGivingUpHandler installs a callback invoked when a message's
// Attempts exceeds max_tries. The message is
// still finished automatically; this is purely observational.
func (c *Consumer) SetGivingUpHandler(f func(msg *Message)) {
	c.mtx.Lock()
	c.givingUp = f
	c.mtx.Unlock()
}

// SetExceptionHandler installs a callback invoked when the Handler
// returns an error other than *RequeueRequest.
func (c *Consumer) SetExceptionHandler(f func(msg *Message, err error)) {
	c.mtx.Lock()
	c.exception = f
	c.mtx.Unlock()
}

// SetLogger installs a logger and minimum level. A nil logger disables
// logging entirely.
func (c *Consumer) SetLogger(logger Logger, lvl LogLevel) {
	c.mtx.Lock()
	c.logger = logger
	c.logLvl = lvl
	c.mtx.Unlock()
}

// SetMetricsRegisterer turns on the optional Prometheus counters and
// gauges tracking messages received/finished/requeued and RDY totals.
// Call before Start; a nil registerer (the default) keeps metrics
// fully disabled.
func (c *Consumer) SetMetricsRegisterer(reg prometheus.Registerer) {
	c.mtx.Lock()
	c.metrics = newMetrics(reg, c.topic, c.channel)
	c.mtx.Unlock()
}

// ConnectToNSQD adds addr to the statically configured broker set,
// connecting immediately if the Consumer is already running.
func (c *Consumer) ConnectToNSQD(addr string) error {
	c.mtx.Lock()
	c.staticAddrs[addr] = true
	running := atomic.LoadInt32(&c.state) == stateRunning
	c.mtx.Unlock()
	if running {
		return c.connectToBroker(addr, true)
	}
	return nil
}

// ConnectToNSQLookupd registers a lookupd HTTP address for topic
// discovery, starting the discovery loop if the
// Consumer is already running and this is the first one registered.
func (c *Consumer) ConnectToNSQLookupd(addr string) error {
	c.mtx.Lock()
	for _, a := range c.lookupdAddrs {
		if a == addr {
			c.mtx.Unlock()
			return nil
		}
	}
	c.lookupdAddrs = append(c.lookupdAddrs, addr)
	running := atomic.LoadInt32(&c.state) == stateRunning
	c.mtx.Unlock()

	if running {
		c.ensureDiscoveryLoop()
	}
	return nil
}

// Start transitions the Consumer from INIT to RUNNING, connects to
// every statically configured broker, and (if any lookupd address is
// registered) spawns discovery polling. RDY redistribution always
// runs once started, since it is needed for fairness across static
// brokers too, not only discovered ones.
func (c *Consumer) Start() error {
	if !atomic.CompareAndSwapInt32(&c.state, stateInit, stateRunning) {
		return &Error{Kind: ErrKindOperational, Code: "AlreadyStarted", Reason: "consumer already started"}
	}

	c.mtx.RLock()
	handlerSet := c.handler != nil
	addrs := make([]string, 0, len(c.staticAddrs))
	for a := range c.staticAddrs {
		addrs = append(addrs, a)
	}
	hasLookupd := len(c.lookupdAddrs) > 0
	c.mtx.RUnlock()

	if !handlerSet {
		atomic.StoreInt32(&c.state, stateInit)
		return &Error{Kind: ErrKindOperational, Code: "NoHandler", Reason: "at least one handler must be added before Start"}
	}

	for _, addr := range addrs {
		go c.connectToBroker(addr, true)
	}

	c.wg.Add(1)
	go c.redistributeLoop()

	if hasLookupd {
		c.ensureDiscoveryLoop()
	}

	return nil
}

func (c *Consumer) ensureDiscoveryLoop() {
	c.discoveryOnce.Do(func() {
		c.wg.Add(1)
		go c.discoveryLoop()
	})
}

// Stop is idempotent: it transitions to CLOSED,
// cancels the discovery and redistribution loops, and closes every
// session's stream without waiting for in-flight messages.
func (c *Consumer) Stop() {
	if atomic.SwapInt32(&c.state, stateClosed) == stateClosed {
		return
	}
	close(c.exitChan)

	c.mtx.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mtx.RUnlock()

	for _, s := range sessions {
		s.conn.forceClose()
	}
}

// Join blocks until every background task has exited, or timeout
// elapses (a non-positive timeout waits indefinitely).
func (c *Consumer) Join(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return &Error{Kind: ErrKindOperational, Code: "JoinTimeout", Reason: "background tasks still running"}
	}
}

// ChangeMaxInFlight updates max_in_flight and immediately triggers an
// RDY redistribution pass against the new ceiling.
func (c *Consumer) ChangeMaxInFlight(n int) error {
	if err := c.config.Set("max_in_flight", n); err != nil {
		return err
	}
	c.triggerRedistribute()
	return nil
}

func (c *Consumer) isStopped() bool {
	return atomic.LoadInt32(&c.state) == stateClosed
}

func (c *Consumer) sessionCount() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.sessions)
}

func (c *Consumer) sessionFor(conn *conn) *session {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.sessions[conn.Address()]
}

func newSessBackoff(maxInterval time.Duration) *BackoffTimer {
	if maxInterval <= 0 {
		maxInterval = 120 * time.Second
	}
	return NewBackoffTimer(sessBackoffRatio, sessBackoffMin, maxInterval)
}

// connectToBroker implements connect_to_broker: build
// a session, connect, identify (inside conn.Connect), and subscribe.
// On failure the session is dropped and, for a static address only, a
// reconnect is scheduled off that session's connection backoff timer.
func (c *Consumer) connectToBroker(addr string, static bool) error {
	if c.isStopped() {
		return ErrStopped
	}

	c.mtx.Lock()
	if _, exists := c.sessions[addr]; exists {
		c.mtx.Unlock()
		return nil
	}
	sess := &session{
		addr: addr,
		static: static,
		connBackoff: newSessBackoff(c.config.maxBackoffDuration),
		msgBackoff: newSessBackoff(c.config.maxBackoffDuration),
	}
	sess.conn = newConn(addr, c.config, c)
	c.sessions[addr] = sess
	c.mtx.Unlock()

	_, err := sess.conn.Connect()
	if err == nil {
		err = sess.conn.Subscribe(c.topic, c.channel)
	}
	if err != nil {
		c.mtx.Lock()
		delete(c.sessions, addr)
		c.mtx.Unlock()
		c.logf(LogLevelError, "(%s) failed to connect - %s", addr, err)
		if static && !c.isStopped() {
			c.scheduleReconnect(sess)
		}
		return err
	}

	sess.connBackoff.Reset()
	c.metrics.setConnections(c.sessionCount())
	c.logf(LogLevelInfo, "(%s) connected", addr)
	c.triggerRedistribute()
	return nil
}

func (c *Consumer) scheduleReconnect(sess *session) {
	sess.connBackoff.Failure()
	delay := sess.connBackoff.Interval()
	time.AfterFunc(delay, func() {
		if c.isStopped() {
			return
		}
		c.connectToBroker(sess.addr, true)
	})
}

// discoveryLoop implements : after an initial jittered
// delay, contact one lookupd address (round-robin) per period and
// connect to any producer not already connected.
func (c *Consumer) discoveryLoop() {
	defer c.wg.Done()

	period := c.config.discoveryPeriod
	jitter := time.Duration(rand.Float64() * float64(period) * c.config.discoveryJitter)

	select {
	case <-time.After(jitter):
	case <-c.exitChan:
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.pollLookupd()
		case <-c.exitChan:
			return
		}
	}
}

func (c *Consumer) pollLookupd() {
	c.mtx.RLock()
	n := len(c.lookupdAddrs)
	if n == 0 {
		c.mtx.RUnlock()
		return
	}
	idx := int(atomic.AddInt32(&c.lookupdIndex, 1)-1) % n
	addr := c.lookupdAddrs[idx]
	c.mtx.RUnlock()

	resp, err := c.lookupClient.Lookup(addr, c.topic)
	if err != nil {
		c.logf(LogLevelWarning, "lookupd %s - %s", addr, err)
		return
	}

	for _, p := range resp.Producers {
		target := p.TCPAddress()
		c.mtx.RLock()
		_, connected := c.sessions[target]
		static := c.staticAddrs[target]
		c.mtx.RUnlock()
		if connected || static {
			continue
		}
		go c.connectToBroker(target, false)
	}
}

// triggerRedistribute wakes the redistribution loop without blocking;
// a pending wake already queued is sufficient (coalesced).
func (c *Consumer) triggerRedistribute() {
	select {
	case c.redistributeChan <- struct{}{}:
	default:
	}
}

// redistributeLoop implements two triggers: a 5s
// periodic tick and an explicit wake-up on session state changes.
func (c *Consumer) redistributeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.redistributeRDY()
		case <-c.redistributeChan:
			c.redistributeRDY()
		case <-c.exitChan:
			return
		}
	}
}

// redistributeRDY computes and applies the target RDY count for every
// session, per the oversubscribed/saturated regimes.
func (c *Consumer) redistributeRDY() {
	c.mtx.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	maxInFlight := c.config.maxInFlight
	idleTimeout := c.config.lowReadyIdleTimeout
	c.mtx.RUnlock()

	n := len(sessions)
	if n == 0 {
		return
	}

	targets := make(map[*session]int64, n)
	now := time.Now()

	if n > maxInFlight {
		eligible := make([]*session, 0, n)
		for _, s := range sessions {
			targets[s] = 0
			if sessState(atomic.LoadInt32(&s.state)) != ssBackoff {
				eligible = append(eligible, s)
			}
		}
		rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
		k := maxInFlight
		if k > len(eligible) {
			k = len(eligible)
		}
		for i := 0; i < k; i++ {
			targets[eligible[i]] = 1
		}
		if idleTimeout > 0 {
			for _, s := range sessions {
				if sessState(atomic.LoadInt32(&s.state)) == ssRunning && now.Sub(s.conn.LastMessageTime()) > idleTimeout {
					targets[s] = 0
				}
			}
		}
	} else {
		var remaining []*session
		granted := 0
		for _, s := range sessions {
			switch sessState(atomic.LoadInt32(&s.state)) {
			case ssBackoff:
				targets[s] = 0
			case ssInit, ssThrottled:
				targets[s] = 1
				granted++
			default:
				if idleTimeout > 0 && now.Sub(s.conn.LastMessageTime()) > idleTimeout {
					targets[s] = 1
					granted++
				} else {
					remaining = append(remaining, s)
				}
			}
		}

		left := maxInFlight - granted
		if left < 0 {
			left = 0
		}
		if len(remaining) > 0 {
			share := left / len(remaining)
			remainder := left % len(remaining)
			rand.Shuffle(len(remaining), func(i, j int) { remaining[i], remaining[j] = remaining[j], remaining[i] })
			for i, s := range remaining {
				t := int64(share)
				if i < remainder {
					t++
				}
				targets[s] = t
			}
		}
	}

	total := int64(0)
	for s, target := range targets {
		total += target
		c.metrics.setInFlight(s.addr, s.conn.InFlight())
		c.metrics.setBackoffState(s.addr, sessState(atomic.LoadInt32(&s.state)))
		if s.conn.RDY() == target {
			continue
		}
		if err := s.conn.SetReady(target); err != nil {
			c.logf(LogLevelWarning, "(%s) failed to set RDY %d - %s", s.addr, target, err)
		}
	}
	c.metrics.setReadyTotal(total)
}

// enterBackoff transitions a session into BACKOFF, optionally counting
// a fresh failure, and schedules the BACKOFF -> THROTTLED transition
// after an interval drawn from its message backoff timer.
func (c *Consumer) enterBackoff(sess *session, countFailure bool) {
	if countFailure {
		sess.msgBackoff.Failure()
	}
	atomic.StoreInt32(&sess.state, int32(ssBackoff))
	interval := sess.msgBackoff.Interval()
	c.triggerRedistribute()

	time.AfterFunc(interval, func() {
		if atomic.CompareAndSwapInt32(&sess.state, int32(ssBackoff), int32(ssThrottled)) {
			c.triggerRedistribute()
		}
	})
}

// OnMessage implements ConnDelegate, dispatching the message to the
// registered Handler and translating its return value into a
// finish/requeue response.
func (c *Consumer) OnMessage(conn *conn, msg *Message) {
	c.metrics.received()

	c.mtx.RLock()
	handler := c.handler
	givingUp := c.givingUp
	exception := c.exception
	maxTries := c.config.maxTries
	requeueDelay := c.config.requeueDelay
	backoffOnRequeue := c.config.backoffOnRequeue
	c.mtx.RUnlock()

	if maxTries > 0 && int(msg.Attempts) > maxTries {
		c.logf(LogLevelWarning, "(%s) giving up on %x after %d attempts", conn, msg.ID, msg.Attempts)
		c.metrics.givenUp()
		if givingUp != nil {
			givingUp(msg)
		}
		msg.Finish()
		return
	}

	err := handler.HandleMessage(msg)

	if c.isStopped() {
		return
	}
	if msg.IsAutoResponseDisabled() || msg.HasResponded() {
		return
	}

	if err != nil {
		if rq, ok := err.(*RequeueRequest); ok {
			delay := rq.Delay
			if delay < 0 {
				delay = requeueDelay
			}
			backoff := backoffOnRequeue
			if rq.Backoff != nil {
				backoff = *rq.Backoff
			}
			msg.Requeue(delay, backoff)
			return
		}

		if exception != nil {
			exception(msg, err)
		} else {
			c.logf(LogLevelError, "(%s) handler error - %s", conn, err)
		}
		msg.Requeue(requeueDelay, true)
		return
	}

	msg.Finish()
}

// OnResponse implements ConnDelegate.
func (c *Consumer) OnResponse(conn *conn, data []byte) {
	c.logf(LogLevelDebug, "(%s) response %s", conn, data)
}

// OnError implements ConnDelegate.
func (c *Consumer) OnError(conn *conn, err *Error) {
	c.logf(LogLevelError, "(%s) error %s", conn, err)
}

// OnMessageFinished implements ConnDelegate, driving the per-session
// backoff state machine.
func (c *Consumer) OnMessageFinished(conn *conn, msg *Message, success bool, backoff bool) {
	if success {
		c.metrics.finished()
	} else {
		c.metrics.requeued()
	}

	if c.config.maxBackoffDuration <= 0 {
		return
	}

	sess := c.sessionFor(conn)
	if sess == nil {
		return
	}

	isFailure := !success && backoff
	if isFailure {
		c.enterBackoff(sess, true)
		return
	}

	switch sessState(atomic.LoadInt32(&sess.state)) {
	case ssInit:
		atomic.StoreInt32(&sess.state, int32(ssRunning))
		c.triggerRedistribute()
	case ssThrottled:
		if sess.msgBackoff.Success() == 0 {
			atomic.StoreInt32(&sess.state, int32(ssRunning))
			c.triggerRedistribute()
		} else {
			c.enterBackoff(sess, false)
		}
	default:
		sess.msgBackoff.Success()
	}
}

// OnHeartbeat implements ConnDelegate.
func (c *Consumer) OnHeartbeat(conn *conn) {
	c.logf(LogLevelDebug, "(%s) heartbeat", conn)
}

// OnIOError implements ConnDelegate.
func (c *Consumer) OnIOError(conn *conn, err error) {
	c.logf(LogLevelError, "(%s) io error - %s", conn, err)
}

// OnAuth implements ConnDelegate.
func (c *Consumer) OnAuth(conn *conn, resp *authResponse) {
	c.logf(LogLevelInfo, "(%s) authenticated as %s", conn, resp.Identity)
}

// OnClose implements ConnDelegate: remove the session and, if it was a
// static address and the Consumer is still running, schedule a
// reconnect.
func (c *Consumer) OnClose(conn *conn) {
	addr := conn.Address()

	c.mtx.Lock()
	sess, ok := c.sessions[addr]
	if ok {
		delete(c.sessions, addr)
	}
	c.mtx.Unlock()
	if !ok {
		return
	}

	c.metrics.setConnections(c.sessionCount())
	c.metrics.dropSession(addr)
	c.logf(LogLevelWarning, "(%s) closed", addr)

	if sess.static && !c.isStopped() {
		c.scheduleReconnect(sess)
	}
	c.triggerRedistribute()
}

func (c *Consumer) logf(lvl LogLevel, format string, args ...interface{}) {
	c.mtx.RLock()
	logger := c.logger
	minLvl := c.logLvl
	c.mtx.RUnlock()
	if logger == nil || lvl < minLvl {
		return
	}
	logger.Output(2, fmt.Sprintf("%s: %s", lvl, fmt.Sprintf(format, args...)))
}
