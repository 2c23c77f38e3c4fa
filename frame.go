package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readResponse reads a single size-prefixed frame off r:
// size:int32 | frame_type:int32 | payload:bytes, size = 4 + len(payload)
func readResponse(r io.Reader) ([]byte, error) {
	var msgSize int32

	if err := binary.Read(r, binary.BigEndian, &msgSize); err != nil {
		return nil, err
	}

	if msgSize < 4 {
		return nil, fmt.Errorf("nsq: invalid frame size %d", msgSize)
	}

	buf := make([]byte, msgSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// unpackResponse splits a raw frame (as read by readResponse) into its
// frame type and payload
func unpackResponse(frame []byte) (int32, []byte, error) {
	if len(frame) < 4 {
		return -1, nil, fmt.Errorf("nsq: not enough data to unpack frame")
	}
	return int32(binary.BigEndian.Uint32(frame)), frame[4:], nil
}

// readUnpackedResponse combines readResponse and unpackResponse
func readUnpackedResponse(r io.Reader) (int32, []byte, error) {
	frame, err := readResponse(r)
	if err != nil {
		return -1, nil, err
	}
	return unpackResponse(frame)
}
