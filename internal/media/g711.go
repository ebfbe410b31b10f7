package media

import (
	"math"
	"time"
)

const (
	// SampleRate is the G.711 sample rate used by the carrier media stream.
	SampleRate = 8000

	// FrameDuration is the reference carrier frame cadence.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of μ-law bytes in one 20ms frame.
	// At 8 kHz with one byte per sample: 8000 * 0.020 = 160.
	FrameSize = 160

	// UlawSilence is the μ-law byte encoding a zero sample.
	UlawSilence = 0xFF

	// alawSilence is the a-law byte encoding a zero sample.
	alawSilence = 0xD5

	// SilenceDBFS is reported for empty or fully silent frames.
	SilenceDBFS = -100.0
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table indexed by the 16-bit signed sample reinterpreted as uint16.
var linearToUlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16((((mantissa << 3) + 0x84) << uint(exponent)) - 0x84)
	return sign * sample
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := uint8(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 {
		if s&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (s >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// UlawToLinear decodes a single μ-law byte.
func UlawToLinear(b byte) int16 {
	return ulawToLinear[b]
}

// LinearToUlaw encodes a single 16-bit PCM sample as μ-law.
func LinearToUlaw(s int16) byte {
	return linearToUlaw[uint16(s)]
}

// AlawToUlaw transcodes an a-law payload to μ-law in place.
func AlawToUlaw(payload []byte) {
	for i, b := range payload {
		payload[i] = linearToUlaw[uint16(alawToLinear[b])]
	}
}

// FrameEnergy returns the RMS level of a μ-law payload in dBFS. Empty and
// all-zero frames report SilenceDBFS.
func FrameEnergy(payload []byte) float64 {
	if len(payload) == 0 {
		return SilenceDBFS
	}
	var sum float64
	for _, b := range payload {
		s := float64(ulawToLinear[b])
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(payload)))
	if rms < 1 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}

// SilenceFrame returns a full frame of μ-law silence.
func SilenceFrame() []byte {
	f := make([]byte, FrameSize)
	for i := range f {
		f[i] = UlawSilence
	}
	return f
}
