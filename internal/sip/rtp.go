package sip

import (
	"encoding/binary"
	"fmt"
)

// rtpHeaderLen is the fixed 12-byte RTP header with no CSRC list.
const rtpHeaderLen = 12

const (
	payloadTypePCMU = 0
	payloadTypePCMA = 8
)

// rtpPacket is one RTP datagram's parsed fields.
type rtpPacket struct {
	PayloadType byte
	SeqNum      uint16
	Timestamp   uint32
	SSRC        uint32
	Payload     []byte
}

func marshalRTP(p rtpPacket) []byte {
	out := make([]byte, rtpHeaderLen+len(p.Payload))
	out[0] = 0x80 // version 2, no padding/extension/CSRC
	out[1] = p.PayloadType & 0x7F
	binary.BigEndian.PutUint16(out[2:4], p.SeqNum)
	binary.BigEndian.PutUint32(out[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(out[8:12], p.SSRC)
	copy(out[rtpHeaderLen:], p.Payload)
	return out
}

func parseRTP(raw []byte) (rtpPacket, error) {
	if len(raw) < rtpHeaderLen {
		return rtpPacket{}, fmt.Errorf("sip: short rtp packet (%d bytes)", len(raw))
	}
	return rtpPacket{
		PayloadType: raw[1] & 0x7F,
		SeqNum:      binary.BigEndian.Uint16(raw[2:4]),
		Timestamp:   binary.BigEndian.Uint32(raw[4:8]),
		SSRC:        binary.BigEndian.Uint32(raw[8:12]),
		Payload:     raw[rtpHeaderLen:],
	}, nil
}
