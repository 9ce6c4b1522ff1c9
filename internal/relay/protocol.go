// Package relay provides the WebSocket relay server for device-to-device sync.
//
// The relay is intentionally dumb: it assigns a monotonically increasing
// sequence number to every change frame it accepts, appends the frame to a
// durable log, and fans it out to every other connected device. Devices that
// reconnect present the last sequence they saw and receive a replay of
// everything after it before joining the live stream. The relay never
// inspects change payloads and never resolves conflicts.
package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType defines the type of relay frame
type FrameType string

const (
	// FrameTypeHello is the first frame a device sends after connecting
	FrameTypeHello FrameType = "hello"

	// FrameTypeChange carries a change record between devices
	FrameTypeChange FrameType = "change"

	// FrameTypeAck acknowledges receipt of a sequence number
	FrameTypeAck FrameType = "ack"

	// FrameTypeError reports a protocol error before the relay closes the connection
	FrameTypeError FrameType = "error"
)

// Frame is the envelope for all relay traffic.
//
// Sequence is only meaningful on change frames sent by the relay: it is
// assigned when the relay accepts the frame, never by the sending device.
type Frame struct {
	Type      FrameType       `json:"type"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloData identifies a device and where its replay should start
type HelloData struct {
	DeviceID     string `json:"device_id"`
	LastSequence uint64 `json:"last_sequence"`
}

// AckData acknowledges delivery up to a sequence number
type AckData struct {
	Sequence uint64 `json:"sequence"`
}

// ErrorData carries a human-readable protocol error
type ErrorData struct {
	Message string `json:"message"`
}

// NewChangeFrame wraps a serialized change record in a frame.
//
// The relay fills in Sequence when it accepts the frame.
func NewChangeFrame(record json.RawMessage) Frame {
	return Frame{
		Type:      FrameTypeChange,
		Timestamp: time.Now().UTC(),
		Data:      record,
	}
}

// NewHelloFrame builds the handshake frame a device sends on connect
func NewHelloFrame(deviceID string, lastSequence uint64) (Frame, error) {
	data, err := json.Marshal(HelloData{DeviceID: deviceID, LastSequence: lastSequence})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal hello: %w", err)
	}
	return Frame{Type: FrameTypeHello, Timestamp: time.Now().UTC(), Data: data}, nil
}

// NewAckFrame builds an acknowledgement for a delivered sequence
func NewAckFrame(sequence uint64) (Frame, error) {
	data, err := json.Marshal(AckData{Sequence: sequence})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal ack: %w", err)
	}
	return Frame{Type: FrameTypeAck, Timestamp: time.Now().UTC(), Data: data}, nil
}

// ParseHello extracts the handshake payload from a hello frame
func ParseHello(f Frame) (HelloData, error) {
	if f.Type != FrameTypeHello {
		return HelloData{}, fmt.Errorf("expected hello frame, got %q", f.Type)
	}
	var hello HelloData
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		return HelloData{}, fmt.Errorf("failed to parse hello: %w", err)
	}
	if hello.DeviceID == "" {
		return HelloData{}, fmt.Errorf("hello missing device_id")
	}
	return hello, nil
}
