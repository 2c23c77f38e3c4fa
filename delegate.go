package nsq

// ConnDelegate receives every signal a *conn emits: message arrival, plain responses, errors, message
// processed (finish/requeue outcome), auth, heartbeat, and close. Both
// Consumer and Producer implement this directly against their shared
// connection-pool state instead of wiring one closure per event.
type ConnDelegate interface {
	// OnMessage is called when a MESSAGE frame is parsed.
	OnMessage(c *conn, msg *Message)
	// OnResponse is called for a plain RESPONSE frame (not a
	// heartbeat, which is answered internally).
	OnResponse(c *conn, data []byte)
	// OnError is called for an ERROR frame, after conn has already
	// closed the stream if the error was fatal.
	OnError(c *conn, err *Error)
	// OnMessageFinished is called once a FIN or REQ command has been
	// sent for a message that this conn delivered, whether or not the
	// send succeeded (a failed send is also reported through OnError).
	OnMessageFinished(c *conn, msg *Message, success bool, backoff bool)
	// OnHeartbeat is called whenever a "_heartbeat_" response arrives,
	// before the automatic NOP reply is sent.
	OnHeartbeat(c *conn)
	// OnIOError is called on any transport-level failure; the stream
	// is already closing.
	OnIOError(c *conn, err error)
	// OnAuth is called with the parsed AUTH response.
	OnAuth(c *conn, resp *authResponse)
	// OnClose is called once, after the read loop has exited and the
	// underlying socket is closed. In-flight messages are not waited for.
	OnClose(c *conn)
}
