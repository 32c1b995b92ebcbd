//go:build cgo

package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

type libopusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder uses libopus through cgo.
func NewOpusDecoder() (OpusDecoder, error) {
	dec, err := opus.NewDecoder(OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &libopusDecoder{dec: dec, buf: make([]int16, maxOpusFrameSamples)}, nil
}

func (d *libopusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPacket
	}
	n, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]int16, n)
	copy(out, d.buf[:n])
	return out, nil
}
