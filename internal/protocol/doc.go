// Package protocol implements the radiator valve wire protocol.
//
// The valves speak a checksummed request/response protocol over two
// fixed GATT handles. Every frame has this structure:
//
//   - Start marker: 0xAA 0xAA
//   - Length: 1 byte, total frame size including the checksum,
//     computed before byte stuffing
//   - Function: 1 byte opcode (0x01 sync, 0x0C comfort temperature)
//   - Sub bytes: 0x00 0x00 in commands; 0xFF 0xFF in a response marks
//     a device-side error
//   - Packet number: 1 byte, session-scoped sequence 1..255
//   - Payload: command specific
//   - Checksum: 1 byte, sum of everything after the length byte mod 256
//
// # Byte stuffing
//
// Within the region after the length byte the valve inserts 0x55 before
// bytes that would collide with framing. Decode strips every 0x55 from
// that region before verifying the checksum. Encode emits no stuffing:
// the four commands this bridge sends never contain colliding bytes.
//
// # Reassembly
//
// Responses arrive as BLE notifications of arbitrary chunk size. A
// Reassembler accumulates chunks until the declared length is covered,
// then hands the buffer to Decode and resets.
//
// # Error handling
//
// Structural problems (short frames, bad markers, length mismatch)
// return ErrBadFrame. A checksum mismatch or device-error marker is a
// well-formed decode: the frame comes back with ChecksumOK=false or
// DeviceError=true and the session decides what to do with it.
//
// All functions are stateless and safe for concurrent use except
// Reassembler, which is owned by a single session.
package protocol
