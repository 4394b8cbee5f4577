package audio

import (
	"encoding/binary"
	"fmt"
)

// Encoding identifies how an audio payload is encoded.
type Encoding string

const (
	// EncodingOpus is a sequence of Opus packets, each preceded by a
	// 2-byte big-endian length prefix (one packet per 20ms frame).
	EncodingOpus Encoding = "audio/opus"
	// EncodingPCM16 is raw 16-bit LE PCM.
	EncodingPCM16 Encoding = "audio/l16"
)

// PackPacket appends one length-prefixed packet to dst.
func PackPacket(dst, packet []byte) []byte {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(packet)))
	dst = append(dst, prefix[:]...)
	return append(dst, packet...)
}

// SplitPackets splits a length-prefixed payload back into packets. The
// returned slices alias data.
func SplitPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("audio: truncated packet length at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+n > len(data) {
			return nil, fmt.Errorf("audio: truncated packet at offset %d", off)
		}
		packets = append(packets, data[off:off+n])
		off += n
	}
	return packets, nil
}
