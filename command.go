package nsq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var byteSpace = []byte(" ")
var byteNewLine = []byte("\n")

// Command represents a command from a client to nsqd
type Command struct {
	Name []byte
	Params [][]byte
	Body []byte
}

// String returns the name and parameters of the Command
func (c *Command) String() string {
	if len(c.Params) > 0 {
		return fmt.Sprintf("%s %s", c.Name, string(bytes.Join(c.Params, byteSpace)))
	}
	return string(c.Name)
}

// WriteTo implements the io.WriterTo interface and serializes
// the command to the wire format described in :
// `cmd [SP arg]* LF [size:int32 body]?`
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	var total int64
	var buf [4]byte

	n, err := w.Write(c.Name)
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, param := range c.Params {
		n, err := w.Write(byteSpace)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(param)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	n, err = w.Write(byteNewLine)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if c.Body != nil {
		bufs := buf[:]
		binary.BigEndian.PutUint32(bufs, uint32(len(c.Body)))
		n, err := w.Write(bufs)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(c.Body)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Identify creates a new Command to provide information about the client.
// It is generally the first command sent after the V2 handshake magic.
func Identify(js map[string]interface{}) (*Command, error) {
	body, err := json.Marshal(js)
	if err != nil {
		return nil, err
	}
	return &Command{[]byte("IDENTIFY"), nil, body}, nil
}

// Auth sends credentials for authentication
func Auth(secret string) *Command {
	return &Command{[]byte("AUTH"), nil, []byte(secret)}
}

// Subscribe creates a new Command to subscribe to the given topic/channel
func Subscribe(topic string, channel string) *Command {
	params := [][]byte{[]byte(topic), []byte(channel)}
	return &Command{[]byte("SUB"), params, nil}
}

// Publish creates a new Command to write a message to a given topic
func Publish(topic string, body []byte) *Command {
	params := [][]byte{[]byte(topic)}
	return &Command{[]byte("PUB"), params, body}
}

// DeferredPublish creates a new Command to write a message to a topic where
// the message is queued at the channel level until the delay elapses
func DeferredPublish(topic string, delay time.Duration, body []byte) *Command {
	params := [][]byte{[]byte(topic), []byte(strconv.FormatInt(int64(delay/time.Millisecond), 10))}
	return &Command{[]byte("DPUB"), params, body}
}

// MultiPublish creates a new Command to write multiple messages to a topic
// in one round trip: count:int32 | (len:int32 | bytes)*count
func MultiPublish(topic string, bodies [][]byte) (*Command, error) {
	params := [][]byte{[]byte(topic)}

	num := uint32(len(bodies))
	bodySize := 4
	for _, b := range bodies {
		bodySize += len(b) + 4
	}

	buf := bytes.NewBuffer(make([]byte, 0, bodySize))
	if err := binary.Write(buf, binary.BigEndian, num); err != nil {
		return nil, err
	}
	for _, b := range bodies {
		if err := binary.Write(buf, binary.BigEndian, int32(len(b))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(b); err != nil {
			return nil, err
		}
	}

	return &Command{[]byte("MPUB"), params, buf.Bytes()}, nil
}

// Ready creates a new Command specifying the number of messages
// a client is willing to receive
func Ready(count int) *Command {
	params := [][]byte{[]byte(strconv.Itoa(count))}
	return &Command{[]byte("RDY"), params, nil}
}

// Finish creates a new Command indicating that a message (by id)
// has been processed successfully
func Finish(id MessageID) *Command {
	params := [][]byte{id[:]}
	return &Command{[]byte("FIN"), params, nil}
}

// Requeue creates a new Command indicating that a message (by id)
// should be requeued after the given delay (0 means immediate requeue)
func Requeue(id MessageID, delay time.Duration) *Command {
	params := [][]byte{id[:], []byte(strconv.FormatInt(int64(delay/time.Millisecond), 10))}
	return &Command{[]byte("REQ"), params, nil}
}

// Touch creates a new Command resetting the timeout for a message (by id)
func Touch(id MessageID) *Command {
	params := [][]byte{id[:]}
	return &Command{[]byte("TOUCH"), params, nil}
}

// StartClose creates a new Command indicating that the client would like
// to start a close cycle
func StartClose() *Command {
	return &Command{[]byte("CLS"), nil, nil}
}

// Nop creates a new Command that has no effect server side, commonly used
// to respond to heartbeats
func Nop() *Command {
	return &Command{[]byte("NOP"), nil, nil}
}
