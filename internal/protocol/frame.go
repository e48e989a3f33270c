package protocol

import (
	"fmt"
)

// Wire framing constants
const (
	// FrameMarker is the start-of-frame byte; every frame opens with two of them.
	FrameMarker = 0xAA

	// StuffingByte is inserted by the valve inside the payload/checksum region
	// before bytes that would collide with framing. It is stripped before
	// checksum verification.
	StuffingByte = 0x55

	// headerSize is the unstuffed region at the start of a frame:
	// two marker bytes plus the length byte.
	headerSize = 3

	// MinFrameSize is the smallest well-formed frame: markers, length,
	// function, sub1, sub2, packet number and checksum.
	MinFrameSize = 8
)

// Valve function opcodes (the two commands this bridge speaks)
const (
	// FunctionSync requests the valve's current packet number and mode.
	FunctionSync = 0x01

	// FunctionComfortTemp reads or writes the comfort temperature set-point.
	FunctionComfortTemp = 0x0C
)

// Fixed GATT attributes of the valve
const (
	// WriteHandle is the GATT handle commands are written to.
	WriteHandle = 46

	// NotifyHandle is the GATT handle notifications are subscribed on.
	NotifyHandle = 48

	// WriteCharacteristicUUID is the characteristic behind WriteHandle.
	WriteCharacteristicUUID = "0000ffe9-0000-1000-8000-00805f9b34fb"

	// NotifyCharacteristicUUID is the characteristic behind NotifyHandle.
	NotifyCharacteristicUUID = "0000ffe4-0000-1000-8000-00805f9b34fb"
)

// ErrBadFrame reports a structurally invalid frame (short, bad markers,
// or a length byte that disagrees with the received byte count).
var ErrBadFrame = fmt.Errorf("bad frame")

// Frame is a decoded valve protocol frame.
//
// Sub1/Sub2 are 0x00 in every command this bridge sends; a response
// carrying 0xFF,0xFF signals a device-side error and sets DeviceError.
// ChecksumOK is false when the received checksum does not match the sum
// of the de-stuffed tail; such frames are still surfaced so that waiters
// unblock and can fail the current step.
type Frame struct {
	Function     byte
	Sub1         byte
	Sub2         byte
	PacketNumber byte
	Payload      []byte
	ChecksumOK   bool
	DeviceError  bool
	Raw          []byte // original bytes for debugging
}

// Encode builds the wire representation of a command frame.
//
// Layout: two marker bytes, a length byte covering the whole frame
// including the trailing checksum, function, two zero sub-bytes, the
// packet number, the payload, and the checksum (sum of everything after
// the length byte, modulo 256).
//
// The encoder emits no byte stuffing: the commands this bridge sends
// never contain bytes that collide with framing. The decoder still
// de-stuffs, since the valve stuffs its responses.
func Encode(function, packetNumber byte, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+4+len(payload)+1)
	buf = append(buf, FrameMarker, FrameMarker, 0x00, function, 0x00, 0x00, packetNumber)
	buf = append(buf, payload...)
	buf[2] = byte(len(buf) + 1)
	buf = append(buf, checksum(buf[headerSize:]))
	return buf
}

// Decode parses a complete frame.
//
// It returns ErrBadFrame (wrapped with the reason) when the frame is
// structurally unusable. Checksum mismatches and device-error markers
// are NOT errors: the frame is returned with ChecksumOK or DeviceError
// set so the caller can decide how to treat it.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (minimum %d)", ErrBadFrame, len(raw), MinFrameSize)
	}
	if raw[0] != FrameMarker || raw[1] != FrameMarker {
		return nil, fmt.Errorf("%w: invalid markers 0x%02x 0x%02x", ErrBadFrame, raw[0], raw[1])
	}

	// De-stuff the tail. The valve may insert StuffingByte anywhere at
	// offsets >= headerSize, including before the checksum.
	tail := make([]byte, 0, len(raw)-headerSize)
	for _, b := range raw[headerSize:] {
		if b == StuffingByte {
			continue
		}
		tail = append(tail, b)
	}

	// The length byte counts the frame before stuffing, so it must be
	// checked against the de-stuffed size.
	if int(raw[2]) != headerSize+len(tail) {
		return nil, fmt.Errorf("%w: length byte %d != de-stuffed frame size %d", ErrBadFrame, raw[2], headerSize+len(tail))
	}

	// function, sub1, sub2, packet number and checksum at minimum
	if len(tail) < 5 {
		return nil, fmt.Errorf("%w: %d usable tail bytes after de-stuffing", ErrBadFrame, len(tail))
	}

	received := tail[len(tail)-1]
	body := tail[:len(tail)-1]

	f := &Frame{
		Function:     body[0],
		Sub1:         body[1],
		Sub2:         body[2],
		PacketNumber: body[3],
		Payload:      body[4:],
		ChecksumOK:   checksum(body) == received,
		DeviceError:  body[1] == 0xFF && body[2] == 0xFF,
		Raw:          raw,
	}
	return f, nil
}

// checksum sums the given bytes modulo 256. Decode passes it the
// already de-stuffed body.
func checksum(data []byte) byte {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return byte(sum & 0xFF)
}

// String returns a debug representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{fn=0x%02x, sub=0x%02x%02x, pkt=%d, payload=%d bytes, checksum_ok=%v, device_error=%v}",
		f.Function, f.Sub1, f.Sub2, f.PacketNumber, len(f.Payload), f.ChecksumOK, f.DeviceError)
}
