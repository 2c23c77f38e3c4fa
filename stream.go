package nsq

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/mreiferson/go-snappystream"
)

// stream wraps a single TCP socket and supports in-place upgrade to
// TLS and/or one compression codec (DEFLATE xor Snappy). Reads are
// synchronous and deadlined, with io.Reader semantics (a Read may
// return fewer bytes than asked; frame.go uses io.ReadFull for exact
// reads); writes are serialized so no two Send calls can interleave
// bytes on the wire.
//
// Upgrading buffers the bytes already read-but-not-yet-consumed by the
// bufio.Reader and feeds them to the new codec first, so a frame that
// arrived packed alongside the IDENTIFY response is never dropped.
type stream struct {
	conn net.Conn

	mtx sync.Mutex // serializes Send

	r io.Reader
	w io.Writer

	tlsConn *tls.Conn

	flateWriter *flate.Writer

	readTimeout time.Duration
	writeTimeout time.Duration

	closed bool
}

func newStream(conn net.Conn, readTimeout, writeTimeout time.Duration) *stream {
	br := bufio.NewReaderSize(conn, 16*1024)
	return &stream{
		conn: conn,
		r: br,
		w: conn,
		readTimeout: readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Read performs a deadlined read off the current (possibly upgraded) reader.
func (s *stream) Read(p []byte) (int, error) {
	if s.readTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	n, err := s.r.Read(p)
	if err != nil {
		s.closed = true
		return n, newSocketError(err)
	}
	return n, nil
}

// Send atomically writes the full payload, serialized against any
// other concurrent Send call.
func (s *stream) Send(b []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	if _, err := s.w.Write(b); err != nil {
		s.closed = true
		return newSocketError(err)
	}

	if s.flateWriter != nil {
		if err := s.flateWriter.Flush(); err != nil {
			s.closed = true
			return newSocketError(err)
		}
	}

	return nil
}

// Close closes the underlying TCP connection.
func (s *stream) Close() error {
	return s.conn.Close()
}

// bufferedBytes drains whatever the internal bufio.Reader already has
// buffered but hasn't been consumed yet, so an upgrade can replay it
// into the new codec before reading more off the socket.
func (s *stream) bufferedBytes() []byte {
	br, ok := s.r.(*bufio.Reader)
	if !ok {
		return nil
	}
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := br.Peek(n)
	out := make([]byte, len(b))
	copy(out, b)
	br.Discard(n)
	return out
}

// residueReader prefixes a reader with bytes already buffered from the
// pre-upgrade stream, so nothing read-but-unconsumed is lost.
func residueReader(residue []byte, r io.Reader) io.Reader {
	if len(residue) == 0 {
		return r
	}
	return io.MultiReader(bytes.NewReader(residue), r)
}

// upgradeTLS wraps the raw socket in a TLS client connection. Per
// TLS must wrap the raw socket first, before any
// compression upgrade, and use a modern (>= 1.2) TLS version by
// default.
func (s *stream) upgradeTLS(conf *tls.Config) error {
	if conf == nil {
		conf = &tls.Config{}
	}
	if conf.MinVersion == 0 {
		conf = conf.Clone()
		conf.MinVersion = tls.VersionTLS12
	}

	residue := s.bufferedBytes()

	tlsConn := tls.Client(&residueConn{Conn: s.conn, pre: residue}, conf)
	if err := tlsConn.Handshake(); err != nil {
		return newSocketError(err)
	}

	s.tlsConn = tlsConn
	s.r = bufio.NewReaderSize(tlsConn, 16*1024)
	s.w = tlsConn
	return s.expectOK()
}

// upgradeDeflate wraps whatever socket TLS produced (or the raw socket
// if TLS wasn't negotiated) in a DEFLATE reader/writer pair.
func (s *stream) upgradeDeflate(level int) error {
	residue := s.bufferedBytes()
	under := s.currentConn()

	s.r = flate.NewReader(residueReader(residue, under))
	fw, err := flate.NewWriter(under, level)
	if err != nil {
		return newSocketError(err)
	}
	s.flateWriter = fw
	s.w = fw
	return s.expectOK()
}

// upgradeSnappy wraps whatever socket TLS produced (or the raw socket)
// in the framed Snappy codec NSQ negotiates.
func (s *stream) upgradeSnappy() error {
	residue := s.bufferedBytes()
	under := s.currentConn()

	s.r = snappystream.NewReader(residueReader(residue, under), snappystream.SkipVerifyChecksum)
	s.w = snappystream.NewWriter(under)
	return s.expectOK()
}

func (s *stream) currentConn() io.ReadWriter {
	if s.tlsConn != nil {
		return s.tlsConn
	}
	return s.conn
}

// expectOK reads one frame and requires it to be a RESPONSE "OK",
// the handshake nsqd uses to confirm each stream upgrade.
func (s *stream) expectOK() error {
	frameType, data, err := readUnpackedResponse(s.r)
	if err != nil {
		return newSocketError(err)
	}
	if frameType != FrameTypeResponse || !bytes.Equal(data, []byte("OK")) {
		return errors.New("nsq: invalid response from stream upgrade")
	}
	// re-enable buffered reads on top of the upgraded codec
	if _, ok := s.r.(*bufio.Reader); !ok {
		s.r = bufio.NewReaderSize(s.r, 16*1024)
	}
	return nil
}

// residueConn lets tls.Client consume already-buffered plaintext bytes
// before it starts reading off the real net.Conn, without losing the
// net.Conn's other methods (deadlines, addresses) that tls.Client needs.
type residueConn struct {
	net.Conn
	pre []byte
}

func (c *residueConn) Read(p []byte) (int, error) {
	if len(c.pre) > 0 {
		n := copy(p, c.pre)
		c.pre = c.pre[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
