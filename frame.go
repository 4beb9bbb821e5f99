package traderepublic

import (
	"fmt"
	"strings"
)

// Frames are single-line ASCII strings delimited on a single space.
// Outbound control frames are `connect`, `sub`, and `unsub`; inbound frames
// are `<id> <kind> <payload...>` where the payload is everything after the
// second space, unmodified.

// The handshake frame always uses id 31. Data subscriptions never do.
const reservedConnectId = "31"
const reservedConnectIdNumber = 31

type FrameKind string

const (
	FrameKindSnapshot FrameKind = "A"
	FrameKindDelta    FrameKind = "D"
	FrameKindClose    FrameKind = "C"
)

func encodeConnectFrame(payload []byte) string {
	return "connect " + reservedConnectId + " " + string(payload)
}

func encodeSubFrame(id string, topic []byte) string {
	return "sub " + id + " " + string(topic)
}

func encodeUnsubFrame(id string, topic []byte) string {
	return "unsub " + id + " " + string(topic)
}

type serverFrame struct {
	Id      string
	Kind    FrameKind
	Payload string
}

func decodeServerFrame(line string) (serverFrame, error) {
	// SplitN keeps embedded spaces in the payload intact
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] == "" {
		return serverFrame{}, fmt.Errorf("short frame %q", line)
	}
	frame := serverFrame{
		Id:   parts[0],
		Kind: FrameKind(parts[1]),
	}
	if 3 == len(parts) {
		frame.Payload = parts[2]
	}
	switch frame.Kind {
	case FrameKindSnapshot, FrameKindDelta, FrameKindClose:
	default:
		return serverFrame{}, fmt.Errorf("unknown frame kind %q", parts[1])
	}
	return frame, nil
}
