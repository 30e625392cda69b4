// Package frame encodes and decodes the 24-byte header that fronts every
// datagram on the wire: magic, version, frame kind, correlation id, payload
// length and a sender timestamp, all big-endian.
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed byte width of a frame header.
const HeaderSize = 24

// Magic identifies a RIPC frame ("RIPC" as a big-endian uint32).
const Magic uint32 = 0x52495043

// Version is the only protocol version this codec understands.
const Version uint16 = 0x0001

// Frame kinds for the unified RPC envelope.
const (
	KindReq uint16 = 0x1000
	KindRsp uint16 = 0x1001
	KindEvt uint16 = 0x1002
)

// Legacy typed message codes, carried over from the pre-envelope protocol.
// Frames of these kinds are accepted and routed to legacy callbacks; new
// senders never emit them.
const (
	LegacyCmdHello              uint16 = 0x0301
	LegacyCmdParticipantCreate  uint16 = 0x0101
	LegacyCmdPublisherCreate    uint16 = 0x0102
	LegacyCmdSubscriberCreate   uint16 = 0x0103
	LegacyCmdPublishSample      uint16 = 0x0104
	LegacyCmdShutdown           uint16 = 0x01FF
	LegacyEvtData               uint16 = 0x0201
	LegacyRspAck                uint16 = 0x0202
	LegacyRspError              uint16 = 0x0203
	LegacyCtrlHealth            uint16 = 0x0302
	LegacyCtrlFlow              uint16 = 0x0303
)

// Header is the fixed-width preamble of every frame.
type Header struct {
	Magic   uint32
	Version uint16
	Type    uint16
	CorrID  uint32
	Length  uint32
	TsNs    uint64
}

// Encode emits a 24-byte header followed by payload as a single datagram.
// nowNs is the sender's monotonic timestamp in nanoseconds, stamped into
// ts_ns for debugging only.
func Encode(kind uint16, corrID uint32, payload []byte, nowNs uint64) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], kind)
	binary.BigEndian.PutUint32(buf[8:12], corrID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[16:24], nowNs)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode validates and splits a raw datagram into its header and payload.
// Any mismatch in magic, version, or declared length is reported as an
// error; callers at the transport layer discard the datagram silently
// rather than surfacing this to a log (a public UDP port must not produce
// log floods from malformed traffic).
func Decode(datagram []byte) (Header, []byte, error) {
	var h Header
	if len(datagram) < HeaderSize {
		return h, nil, fmt.Errorf("frame: datagram too short: %d bytes", len(datagram))
	}
	h.Magic = binary.BigEndian.Uint32(datagram[0:4])
	h.Version = binary.BigEndian.Uint16(datagram[4:6])
	h.Type = binary.BigEndian.Uint16(datagram[6:8])
	h.CorrID = binary.BigEndian.Uint32(datagram[8:12])
	h.Length = binary.BigEndian.Uint32(datagram[12:16])
	h.TsNs = binary.BigEndian.Uint64(datagram[16:24])

	if h.Magic != Magic {
		return h, nil, fmt.Errorf("frame: bad magic: %#x", h.Magic)
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("frame: unsupported version: %#x", h.Version)
	}
	payload := datagram[HeaderSize:]
	if int(h.Length) != len(payload) {
		return h, nil, fmt.Errorf("frame: length mismatch: header=%d actual=%d", h.Length, len(payload))
	}
	return h, payload, nil
}
