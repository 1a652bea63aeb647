package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned by [PCM16ToFloat] when the input cannot hold a
// whole number of 16-bit samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// FloatToPCM16 converts normalised float samples to little-endian signed
// 16-bit PCM. Samples outside [-1, 1] are clamped. Negative values scale by
// 32768 and positive values by 32767 so both extremes map exactly.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case math.IsNaN(float64(s)):
			v = 0
		case s >= 1:
			v = math.MaxInt16
		case s <= -1:
			v = math.MinInt16
		case s < 0:
			v = int16(s * 32768)
		default:
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes little-endian signed 16-bit PCM into floats in
// [-1, 1).
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// EncodeChunk converts samples captured at rate into an [EncodedChunk].
func EncodeChunk(samples []float32, rate int) EncodedChunk {
	return EncodedChunk{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
		MIMEType: PCMMimeType(rate),
	}
}

// DecodeChunk reverses [EncodeChunk] and returns the raw PCM16 bytes.
func DecodeChunk(c EncodedChunk) ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Data)
}
