//go:build !cgo

package audio

import (
	"fmt"

	"github.com/pion/opus"
)

// pion/opus only decodes SILK frames, which is what WebRTC voice uses
type pionDecoder struct {
	dec opus.Decoder
	buf []byte
}

// NewOpusDecoder uses the pure Go decoder when cgo is disabled.
func NewOpusDecoder() (OpusDecoder, error) {
	return &pionDecoder{dec: opus.NewDecoder(), buf: make([]byte, maxOpusFrameSamples*4)}, nil
}

func (d *pionDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPacket
	}
	n := opusPacketSamples(payload)
	if n == 0 || n > maxOpusFrameSamples {
		return nil, fmt.Errorf("opus decode: unsupported packet layout")
	}
	_, stereo, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if stereo {
		n *= 2
	}
	pcm, err := BytesToPCM(d.buf[:n*2])
	if err != nil {
		return nil, err
	}
	if stereo {
		pcm = Downmix(pcm, 2)
	}
	return pcm, nil
}
