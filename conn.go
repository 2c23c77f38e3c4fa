package nsq

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// connState is the Broker Session state machine:
// INIT -> CONNECTED -> DISCONNECTED, monotone per connect attempt.
type connState int32

const (
	StateInit connState = iota
	StateConnected
	StateDisconnected
)

// IdentifyResponse is the JSON payload nsqd returns from IDENTIFY when
// it negotiates features.
type IdentifyResponse struct {
	MaxRdyCount int64 `json:"max_rdy_count"`
	TLSv1 bool `json:"tls_v1"`
	Deflate bool `json:"deflate"`
	Snappy bool `json:"snappy"`
	AuthRequired bool `json:"auth_required"`
	Version string `json:"version"`
}

type authResponse struct {
	Identity string `json:"identity"`
	IdentityURL string `json:"identity_url"`
	PermissionCount int64 `json:"permission_count"`
}

// conn is a single broker session: one TCP connection running the
// NSQ v2 framed protocol. Callers never construct a
// conn directly; Consumer and Producer both build them through
// newConn and implement ConnDelegate to receive its signals.
type conn struct {
	// 64-bit atomics first for correct alignment on 32-bit platforms
	messagesInFlight int64
	maxReadyCount int64
	readyCount int64
	lastReadyCount int64
	lastMsgTimestamp int64
	stateValue int32
	stopFlag int32
	readLoopRunning int32

	addr string

	topic string
	channel string

	config *Config
	delegate ConnDelegate

	netConn net.Conn
	s *stream

	exitChan chan struct{}
	drainReady chan struct{}
	stopper sync.Once
	wg sync.WaitGroup

	negotiatedTLS bool
	negotiatedDeflate bool
	negotiatedSnappy bool
}

func newConn(addr string, config *Config, delegate ConnDelegate) *conn {
	return &conn{
		addr: addr,
		config: config,
		delegate: delegate,
		maxReadyCount: 2500,
		exitChan: make(chan struct{}),
		drainReady: make(chan struct{}),
	}
}

func (c *conn) state() connState {
	return connState(atomic.LoadInt32(&c.stateValue))
}

func (c *conn) setState(s connState) {
	atomic.StoreInt32(&c.stateValue, int32(s))
}

func (c *conn) String() string { return c.addr }

// Address returns the configured destination nsqd address.
func (c *conn) Address() string { return c.addr }

// RDY returns the currently advertised RDY count.
func (c *conn) RDY() int64 { return atomic.LoadInt64(&c.readyCount) }

// LastRDY returns the most recently advertised RDY count, even if RDY
// has since been decremented by delivered messages.
func (c *conn) LastRDY() int64 { return atomic.LoadInt64(&c.lastReadyCount) }

// MaxRDY returns the nsqd-negotiated maximum RDY count.
func (c *conn) MaxRDY() int64 { return atomic.LoadInt64(&c.maxReadyCount) }

// InFlight returns the number of messages delivered on this
// connection that have not yet been finished or requeued.
func (c *conn) InFlight() int64 { return atomic.LoadInt64(&c.messagesInFlight) }

// LastMessageTime reports when the last MESSAGE frame arrived.
func (c *conn) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastMsgTimestamp))
}

// IsStarved reports whether this connection is close to exhausting its
// advertised RDY credit.
func (c *conn) IsStarved() bool {
	lastRdy := float64(c.LastRDY())
	if lastRdy*0.85 < 1 {
		return c.InFlight() >= 1
	}
	return float64(c.InFlight()) >= lastRdy*0.85
}

// Connect dials the broker, sends the V2 magic, and performs IDENTIFY
// (and AUTH, if negotiated). It is idempotent after a successful
// connect and fails if the connection has already been closed.
func (c *conn) Connect() (*IdentifyResponse, error) {
	if c.state() == StateConnected {
		return nil, nil
	}
	if c.state() == StateDisconnected {
		return nil, ErrStopped
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	netConn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return nil, newSocketError(err)
	}
	c.netConn = netConn
	c.s = newStream(netConn, c.config.readTimeout, c.config.writeTimeout)

	if err := c.s.Send(MagicV2); err != nil {
		c.netConn.Close()
		return nil, err
	}

	resp, err := c.identify()
	if err != nil {
		c.netConn.Close()
		return nil, err
	}

	c.setState(StateConnected)

	c.wg.Add(1)
	atomic.StoreInt32(&c.readLoopRunning, 1)
	go c.readLoop()

	return resp, nil
}

func (c *conn) identify() (*IdentifyResponse, error) {
	hostname, _ := os.Hostname()
	clientID := c.config.clientID
	if clientID == "" {
		clientID = strings.Split(hostname, ".")[0]
	}
	ua := c.config.userAgent
	if ua == "" {
		ua = fmt.Sprintf("gonsq/%s", Version)
	}

	ci := map[string]interface{}{
		"client_id": clientID,
		"hostname": hostname,
		"feature_negotiation": true,
		"heartbeat_interval": int64(c.config.heartbeatInterval / time.Millisecond),
		"output_buffer_size": c.config.outputBufferSize,
		"output_buffer_timeout": int64(c.config.outputBufferTimeout / time.Millisecond),
		"tls_v1": c.config.tlsV1,
		"snappy": c.config.snappy,
		"deflate": c.config.deflate,
		"deflate_level": c.config.deflateLevel,
		"sample_rate": c.config.sampleRate,
		"user_agent": ua,
	}

	cmd, err := Identify(ci)
	if err != nil {
		return nil, &Error{Kind: ErrKindOperational, Code: "E_IDENTIFY", Err: err}
	}
	if err := c.sendCommand(cmd); err != nil {
		return nil, err
	}

	frameType, data, err := readUnpackedResponse(c.s)
	if err != nil {
		return nil, newSocketError(err)
	}
	if frameType == FrameTypeError {
		return nil, parseWireError(data)
	}

	if len(data) == 0 || data[0] != '{' {
		// "OK" — no feature negotiation, nothing more to do
		return nil, nil
	}

	resp := &IdentifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, &Error{Kind: ErrKindOperational, Code: "E_IDENTIFY", Err: err}
	}

	if resp.MaxRdyCount > 0 {
		atomic.StoreInt64(&c.maxReadyCount, resp.MaxRdyCount)
	}

	if resp.TLSv1 && c.config.tlsV1 {
		tlsConf := c.config.tlsConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		if err := c.s.upgradeTLS(tlsConf); err != nil {
			return nil, err
		}
		c.negotiatedTLS = true
	}

	if resp.Snappy && c.config.snappy {
		if err := c.s.upgradeSnappy(); err != nil {
			return nil, err
		}
		c.negotiatedSnappy = true
	} else if resp.Deflate && c.config.deflate {
		if err := c.s.upgradeDeflate(c.config.deflateLevel); err != nil {
			return nil, err
		}
		c.negotiatedDeflate = true
	}

	if resp.AuthRequired && c.config.authSecret != "" {
		if err := c.auth(c.config.authSecret); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (c *conn) auth(secret string) error {
	if err := c.sendCommand(Auth(secret)); err != nil {
		return err
	}
	frameType, data, err := readUnpackedResponse(c.s)
	if err != nil {
		return newSocketError(err)
	}
	if frameType == FrameTypeError {
		return parseWireError(data)
	}
	resp := &authResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return &Error{Kind: ErrKindOperational, Code: "E_AUTH", Err: err}
	}
	if c.delegate != nil {
		c.delegate.OnAuth(c, resp)
	}
	return nil
}

// Subscribe sends SUB for the given topic/channel.
func (c *conn) Subscribe(topic, channel string) error {
	c.topic = topic
	c.channel = channel
	return c.sendCommand(Subscribe(topic, channel))
}

// Publish sends PUB for a single message body.
func (c *conn) Publish(topic string, body []byte) error {
	return c.sendCommand(Publish(topic, body))
}

// MultiPublish sends MPUB for a batch of message bodies.
func (c *conn) MultiPublish(topic string, bodies [][]byte) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return c.sendCommand(cmd)
}

// DeferredPublish sends DPUB for a single deferred message body. A
// negative delay is rejected locally "deferred
// publish clamp" design note.
func (c *conn) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	if delay < 0 {
		return &Error{Kind: ErrKindProtocolFatal, Code: CodeInvalid, Reason: "negative defer"}
	}
	return c.sendCommand(DeferredPublish(topic, delay, body))
}

// SetReady records and advertises a new RDY count.
func (c *conn) SetReady(n int64) error {
	if n < 0 {
		n = 0
	}
	max := atomic.LoadInt64(&c.maxReadyCount)
	if max > 0 && n > max {
		n = max
	}
	atomic.StoreInt64(&c.readyCount, n)
	atomic.StoreInt64(&c.lastReadyCount, n)
	return c.sendCommand(Ready(int(n)))
}

// Close starts a graceful close cycle (CLS), allowing in-flight
// messages to be finished by their handlers.
func (c *conn) Close() error {
	return c.sendCommand(StartClose())
}

// forceClose tears down the stream immediately without waiting for
// in-flight messages — used by Consumer/Producer shutdown.
func (c *conn) forceClose() {
	if !atomic.CompareAndSwapInt32(&c.stopFlag, 0, 1) {
		return
	}
	if c.s != nil {
		c.s.Close()
	}
}

func (c *conn) sendCommand(cmd *Command) error {
	if c.s == nil {
		return ErrNotConnected
	}
	var buf bytes.Buffer
	if _, err := cmd.WriteTo(&buf); err != nil {
		return err
	}
	return c.s.Send(buf.Bytes())
}

func (c *conn) readLoop() {
	defer c.wg.Done()

	for {
		if atomic.LoadInt32(&c.stopFlag) == 1 {
			break
		}

		frameType, data, err := readUnpackedResponse(c.s)
		if err != nil {
			if c.delegate != nil {
				c.delegate.OnIOError(c, err)
			}
			break
		}

		if frameType == FrameTypeResponse && string(data) == "_heartbeat_" {
			if c.delegate != nil {
				c.delegate.OnHeartbeat(c)
			}
			if err := c.sendCommand(Nop()); err != nil {
				if c.delegate != nil {
					c.delegate.OnIOError(c, err)
				}
				break
			}
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			if c.delegate != nil {
				c.delegate.OnResponse(c, data)
			}
		case FrameTypeMessage:
			msg, err := decodeMessage(data)
			if err != nil {
				if c.delegate != nil {
					c.delegate.OnIOError(c, err)
				}
				goto exit
			}
			msg.delegate = c
			atomic.AddInt64(&c.readyCount, -1)
			atomic.AddInt64(&c.messagesInFlight, 1)
			atomic.StoreInt64(&c.lastMsgTimestamp, time.Now().UnixNano())
			if c.delegate != nil {
				c.delegate.OnMessage(c, msg)
			}
		case FrameTypeError:
			wireErr := parseWireError(data)
			if wireErr.IsFatal() {
				c.forceClose()
			}
			if c.delegate != nil {
				c.delegate.OnError(c, wireErr)
			}
			if wireErr.IsFatal() {
				goto exit
			}
		default:
			if c.delegate != nil {
				c.delegate.OnIOError(c, newFrameError(frameType))
			}
			goto exit
		}
	}

	exit:
	atomic.StoreInt32(&c.readLoopRunning, 0)
	c.setState(StateDisconnected)
	c.forceClose()
	if c.netConn != nil {
		c.netConn.Close()
	}
	if c.delegate != nil {
		c.delegate.OnClose(c)
	}
}

// onMessageFinish implements responder: send FIN, decrement in-flight,
// and notify the delegate of a successful terminal response.
func (c *conn) onMessageFinish(m *Message) {
	atomic.AddInt64(&c.messagesInFlight, -1)
	err := c.sendCommand(Finish(m.ID))
	if err != nil && c.delegate != nil {
		c.delegate.OnError(c, &Error{Kind: ErrKindMessageNonFatal, Code: CodeFinFailed, Err: err})
	}
	if c.delegate != nil {
		c.delegate.OnMessageFinished(c, m, true, false)
	}
}

// onMessageRequeue implements responder: send REQ, decrement
// in-flight, and notify the delegate of a failed terminal response.
func (c *conn) onMessageRequeue(m *Message, delay time.Duration, backoff bool) {
	atomic.AddInt64(&c.messagesInFlight, -1)
	if delay < 0 {
		delay = c.config.requeueDelay
	}
	err := c.sendCommand(Requeue(m.ID, delay))
	if err != nil && c.delegate != nil {
		c.delegate.OnError(c, &Error{Kind: ErrKindMessageNonFatal, Code: CodeReqFailed, Err: err})
	}
	if c.delegate != nil {
		c.delegate.OnMessageFinished(c, m, false, backoff)
	}
}

// onMessageTouch implements responder: send TOUCH, no ownership change.
func (c *conn) onMessageTouch(m *Message) {
	err := c.sendCommand(Touch(m.ID))
	if err != nil && c.delegate != nil {
		c.delegate.OnError(c, &Error{Kind: ErrKindMessageNonFatal, Code: CodeTouchFailed, Err: err})
	}
}
