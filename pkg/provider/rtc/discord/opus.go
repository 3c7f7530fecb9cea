package discord

import (
	"fmt"
	"math"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// pcmDecoder turns one Opus packet into interleaved int16 PCM.
type pcmDecoder interface {
	decode(opus []byte) ([]int16, error)
}

// opusDecoder wraps a gopus decoder for a single SSRC. Each speaker gets its
// own decoder so decoder state stays consistent across frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (pcmDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) decode(opus []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcm, nil
}

// rmsLevel returns the RMS of pcm normalised to [0, 1] against int16 full
// scale. An empty frame is silent.
func rmsLevel(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Min(math.Sqrt(sum/float64(len(pcm)))/math.MaxInt16, 1)
}
