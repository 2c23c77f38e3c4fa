package nsq

import "regexp"

// MagicV2 is the initial identifier sent when connecting for a V2 handshake
var MagicV2 = []byte("  V2")

// frame types, as defined by the NSQ protocol spec
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// MsgIDLength is the number of bytes in a Message.ID
const MsgIDLength = 16

// MessageID is the ASCII encoded message identifier assigned by nsqd
type MessageID [MsgIDLength]byte

var validTopicChannelNameRegex = regexp.MustCompile(`^[\.a-zA-Z0-9_-]+(#ephemeral)?$`)

// IsValidTopicName checks a topic name for correctness
func IsValidTopicName(name string) bool {
	return isValidName(name)
}

// IsValidChannelName checks a channel name for correctness
func IsValidChannelName(name string) bool {
	return isValidName(name)
}

func isValidName(name string) bool {
	if len(name) < 1 || len(name) > 64 {
		return false
	}
	return validTopicChannelNameRegex.MatchString(name)
}
