package nsq

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"sync"
	"time"
)

// responder is the subset of *conn a Message needs to deliver a
// terminal response or a touch. It exists so Message can be tested
// without a real network connection.
type responder interface {
	onMessageFinish(*Message)
	onMessageRequeue(*Message, time.Duration, bool)
	onMessageTouch(*Message)
}

// Message is the fundamental data type delivered by a Consumer: an id,
// a body, and delivery metadata.
//
// A Message is bound to the connection that produced it. Touch may be
// called any number of times before the single terminal response
// (Finish or Requeue); any response attempt after the terminal one
// fails with ErrAlreadyResponded.
type Message struct {
	ID MessageID
	Body []byte
	Timestamp int64
	Attempts uint16

	mtx sync.Mutex
	responded bool
	async bool

	delegate responder
}

// NewMessage creates a Message with the given id and body, stamping
// the current time.
func NewMessage(id MessageID, body []byte) *Message {
	return &Message{
		ID: id,
		Body: body,
		Timestamp: time.Now().UnixNano(),
	}
}

// DisableAutoResponse tells the owning Consumer that this handler will
// respond to the message asynchronously (on some other goroutine) and
// that the dispatch loop must not auto-finish it on handler return.
func (m *Message) DisableAutoResponse() {
	m.mtx.Lock()
	m.async = true
	m.mtx.Unlock()
}

// IsAutoResponseDisabled reports whether DisableAutoResponse was called.
func (m *Message) IsAutoResponseDisabled() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.async
}

// HasResponded reports whether a terminal response has already been sent.
func (m *Message) HasResponded() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.responded
}

// terminal marks the message responded exactly once, returning
// ErrAlreadyResponded on any further call.
func (m *Message) terminal() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.responded {
		return ErrAlreadyResponded
	}
	m.responded = true
	return nil
}

// Finish sends FIN to the nsqd that delivered this message, the
// successful terminal response.
func (m *Message) Finish() error {
	if err := m.terminal(); err != nil {
		return err
	}
	if m.delegate == nil {
		return newSocketError(io.ErrClosedPipe)
	}
	m.delegate.onMessageFinish(m)
	return nil
}

// Requeue sends REQ to the nsqd that delivered this message, the
// failure terminal response. A negative delay means "use the
// broker/consumer default requeue delay". backoff indicates whether
// this requeue should trip the owning Consumer's per-session backoff
// state machine.
func (m *Message) Requeue(delay time.Duration, backoff bool) error {
	if err := m.terminal(); err != nil {
		return err
	}
	if m.delegate == nil {
		return newSocketError(io.ErrClosedPipe)
	}
	m.delegate.onMessageRequeue(m, delay, backoff)
	return nil
}

// Touch resets the broker-side in-flight timeout for this message. It
// does not transfer ownership and may be called any number of times
// strictly before the terminal response.
func (m *Message) Touch() error {
	m.mtx.Lock()
	if m.responded {
		m.mtx.Unlock()
		return ErrAlreadyResponded
	}
	m.mtx.Unlock()
	if m.delegate == nil {
		return newSocketError(io.ErrClosedPipe)
	}
	m.delegate.onMessageTouch(m)
	return nil
}

// EncodeBytes serializes the message into a new, returned []byte.
func (m *Message) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo serializes the message message payload
// framing: timestamp:int64 | attempts:int16 | id:16 bytes | body:bytes
func (m *Message) WriteTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, &m.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, &m.Attempts); err != nil {
		return err
	}
	if _, err := w.Write(m.ID[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// decodeMessage parses a MESSAGE frame payload into a Message.
func decodeMessage(payload []byte) (*Message, error) {
	var msg Message

	buf := bytes.NewReader(payload)

	if err := binary.Read(buf, binary.BigEndian, &msg.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.Attempts); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(buf, msg.ID[:]); err != nil {
		return nil, err
	}

	body, err := ioutil.ReadAll(buf)
	if err != nil {
		return nil, err
	}
	msg.Body = body

	return &msg, nil
}
