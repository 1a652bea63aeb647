package audio

import (
	"fmt"
	"log/slog"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a form such as "48000Hz stereo".
func (f Format) String() string {
	switch {
	case f.Channels <= 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// CaptureFormat is the format the remote voice endpoint expects.
var CaptureFormat = Format{SampleRate: CaptureSampleRate, Channels: 1}

// FormatConverter brings capture frames to Target, which must be mono. It
// keeps resampler state between frames, so one converter serves one stream
// and is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	src Format
	rs  *Resampler
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Channels <= 0 {
		frame.Channels = 1
	}
	in := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if in == c.Target {
		return frame
	}
	if in != c.src {
		slog.Info("audio: converting capture stream", "from", in, "to", c.Target)
		c.src = in
		c.rs = NewResampler(in.SampleRate, c.Target.SampleRate)
	}

	samples := Downmix(frame.Samples, frame.Channels)
	return Frame{
		Samples:    c.rs.Process(samples),
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved samples of the given channel count into mono.
// A trailing partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a mono stream between two rates by linear
// interpolation. Its read position carries over between calls, so splitting
// the input into chunks yields the same output as one large call.
type Resampler struct {
	step float64 // input samples per output sample
	pass bool

	next    float64 // position of the next output; -1 addresses prev
	prev    float32
	started bool
}

// NewResampler returns a Resampler from src to dst Hz. Non-positive or equal
// rates make it a pass-through.
func NewResampler(src, dst int) *Resampler {
	if src <= 0 || dst <= 0 || src == dst {
		return &Resampler{pass: true}
	}
	return &Resampler{step: float64(src) / float64(dst)}
}

// Process consumes in and returns the output samples that are now fully
// determined. The result may be empty for very short inputs.
func (r *Resampler) Process(in []float32) []float32 {
	if r.pass || len(in) == 0 {
		return in
	}
	if !r.started {
		r.prev = in[0]
		r.started = true
	}
	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	last := float64(len(in) - 1)
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	for ; r.next < last; r.next += r.step {
		i := int(r.next+1) - 1 // floor, valid down to -1
		frac := float32(r.next - float64(i))
		out = append(out, at(i)*(1-frac)+at(i+1)*frac)
	}
	r.next -= float64(len(in))
	r.prev = in[len(in)-1]
	return out
}

// Resample converts a complete mono buffer from srcRate to dstRate.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	return NewResampler(srcRate, dstRate).Process(samples)
}
