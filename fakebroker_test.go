package nsq

import (
	"bufio"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
)

// fakeBroker is a minimal in-process stand-in for nsqd's TCP protocol
// handler, enough to drive conn.go/consumer.go/producer.go through a
// real socket without a running nsqd. It acks IDENTIFY/SUB/PUB with a
// plain "OK" (no TLS/Snappy/Deflate feature negotiation — that upgrade
// path is covered independently by stream.go's own unit tests) and lets
// a test script push MESSAGE frames on demand via pushMessage.
type fakeBroker struct {
	ln net.Listener

	mtx   sync.Mutex
	conns []net.Conn

	onFIN  func(id MessageID)
	onREQ  func(id MessageID, delayMS int)
	onPUB  func(topic string, body []byte)
	onMPUB func(topic string, bodies [][]byte)
	onSUB  func(topic, channel string)
}

func newFakeBroker() (*fakeBroker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &fakeBroker{ln: ln}
	go b.acceptLoop()
	return b, nil
}

func (b *fakeBroker) Addr() string { return b.ln.Addr().String() }

func (b *fakeBroker) Close() {
	b.ln.Close()
	b.mtx.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.mtx.Unlock()
}

func (b *fakeBroker) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mtx.Lock()
		b.conns = append(b.conns, c)
		b.mtx.Unlock()
		go b.serve(c)
	}
}

func writeFrame(w net.Conn, frameType int32, payload []byte) error {
	size := int32(4 + len(payload))
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(size))
	binary.BigEndian.PutUint32(header[4:8], uint32(frameType))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (b *fakeBroker) serve(c net.Conn) {
	r := bufio.NewReader(c)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil {
		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		parts := strings.Split(line, " ")
		name := parts[0]

		switch name {
		case "IDENTIFY", "AUTH", "PUB", "DPUB", "MPUB":
			var size int32
			if err := binary.Read(r, binary.BigEndian, &size); err != nil {
				return
			}
			body := make([]byte, size)
			if _, err := readFull(r, body); err != nil {
				return
			}
			switch name {
			case "IDENTIFY":
				writeFrame(c, FrameTypeResponse, []byte("OK"))
			case "AUTH":
				writeFrame(c, FrameTypeResponse, []byte(`{"identity":"test","identity_url":"","permission_count":1}`))
			case "PUB":
				if b.onPUB != nil {
					b.onPUB(parts[1], body)
				}
				writeFrame(c, FrameTypeResponse, []byte("OK"))
			case "DPUB":
				writeFrame(c, FrameTypeResponse, []byte("OK"))
			case "MPUB":
				if b.onMPUB != nil {
					b.onMPUB(parts[1], decodeMPUBBody(body))
				}
				writeFrame(c, FrameTypeResponse, []byte("OK"))
			}
		case "SUB":
			if b.onSUB != nil && len(parts) >= 3 {
				b.onSUB(parts[1], parts[2])
			}
			writeFrame(c, FrameTypeResponse, []byte("OK"))
		case "RDY":
			// no response, matching real nsqd
		case "FIN":
			if b.onFIN != nil {
				var id MessageID
				copy(id[:], parts[1])
				b.onFIN(id)
			}
		case "REQ":
			if b.onREQ != nil {
				var id MessageID
				copy(id[:], parts[1])
				delay, _ := strconv.Atoi(parts[2])
				b.onREQ(id, delay)
			}
		case "TOUCH":
			// no response
		case "CLS":
			writeFrame(c, FrameTypeResponse, []byte("CLOSE_WAIT"))
		case "NOP":
			// no response
		}
	}
}

// decodeMPUBBody parses the count:int32 | (len:int32 | bytes)*count
// framing produced by MultiPublish.
func decodeMPUBBody(body []byte) [][]byte {
	if len(body) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(body[0:4])
	bodies := make([][]byte, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+4 > len(body) {
			break
		}
		n := int(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
		bodies = append(bodies, body[off:off+n])
		off += n
	}
	return bodies
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// pushMessage sends a MESSAGE frame on the most recently accepted
// connection, as produced by decodeMessage's wire layout.
func (b *fakeBroker) pushMessage(id MessageID, body []byte, attempts uint16, timestamp int64) error {
	b.mtx.Lock()
	var c net.Conn
	if len(b.conns) > 0 {
		c = b.conns[len(b.conns)-1]
	}
	b.mtx.Unlock()
	if c == nil {
		return net.ErrClosed
	}

	m := &Message{ID: id, Body: body, Attempts: attempts, Timestamp: timestamp}
	payload, err := m.EncodeBytes()
	if err != nil {
		return err
	}
	return writeFrame(c, FrameTypeMessage, payload)
}

func (b *fakeBroker) sendHeartbeat() error {
	b.mtx.Lock()
	var c net.Conn
	if len(b.conns) > 0 {
		c = b.conns[len(b.conns)-1]
	}
	b.mtx.Unlock()
	if c == nil {
		return net.ErrClosed
	}
	return writeFrame(c, FrameTypeResponse, []byte("_heartbeat_"))
}
