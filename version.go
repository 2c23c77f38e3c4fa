package nsq

// Version is the client library version, reported to nsqd as part of
// the default user agent).
const Version = "1.0.0"
