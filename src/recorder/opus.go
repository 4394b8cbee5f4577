package recorder

import (
	"encoding/binary"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/bme-official/withu-mirai/src/audio"
)

const maxOpusPacket = 4000

// opusEncoder encodes 20ms PCM frames into length-prefixed Opus packets.
type opusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	pcm        []int16
	packet     []byte
}

func newOpusEncoder(sampleRate int) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &opusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		packet:     make([]byte, maxOpusPacket),
	}, nil
}

func (e *opusEncoder) encode(frame audio.Frame) ([]byte, error) {
	n := frame.Samples()
	if n == 0 {
		return nil, nil
	}

	if cap(e.pcm) < n {
		e.pcm = make([]int16, n)
	}
	e.pcm = e.pcm[:n]
	for i := 0; i < n; i++ {
		e.pcm[i] = int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
	}

	written, err := e.enc.Encode(e.pcm, e.packet)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}

	return audio.PackPacket(nil, e.packet[:written]), nil
}

func (e *opusEncoder) close() {}
