// Package audio converts between the telephony leg's G.711 mu-law audio and the
// linear 16-bit PCM the cloud voice endpoint speaks, and resamples between the
// rates in play on either side of the bridge.
//
// All lookup tables are built once by InitOnce and are read-only afterward, so
// a single *Tables value may be shared by every call without locking.
package audio

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Codec identifies the wire encoding of the telephony leg.
type Codec string

const (
	// CodecPCMU is 8-bit G.711 mu-law.
	CodecPCMU Codec = "PCMU"
	// CodecL16 is little-endian linear 16-bit PCM.
	CodecL16 Codec = "L16"
)

// Sample rates used by the bridge.
const (
	TelephonyRate   = 8000
	CloudInputRate  = 16000
	CloudOutputRate = 24000
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// ErrOddLength is returned when a PCM16 buffer does not hold whole samples.
var ErrOddLength = errors.New("audio: pcm16 buffer has odd length")

// Tables holds the precomputed mu-law lookup tables.
type Tables struct {
	decode [256]int16
	encode [65536]byte
}

var (
	tablesOnce sync.Once
	tables     *Tables
)

// InitOnce builds the codec tables on first call and returns the same
// read-only value on every later call.
func InitOnce() *Tables {
	tablesOnce.Do(func() {
		t := &Tables{}
		for i := 0; i < len(t.encode); i++ {
			t.encode[i] = encodeMuLaw(int16(uint16(i)))
		}
		for i := 0; i < len(t.decode); i++ {
			t.decode[i] = decodeMuLaw(byte(i))
		}
		tables = t
	})
	return tables
}

// Decode expands mu-law bytes into linear samples, one sample per byte.
func (t *Tables) Decode(companded []byte) []int16 {
	out := make([]int16, len(companded))
	for i, b := range companded {
		out[i] = t.decode[b]
	}
	return out
}

// Encode compresses linear samples into mu-law bytes. Samples beyond the
// codec's range are clipped.
func (t *Tables) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = t.encode[uint16(s)]
	}
	return out
}

// encodeMuLaw packs one sample into sign, 3-bit exponent and 4-bit mantissa,
// then inverts the byte as G.711 requires.
func encodeMuLaw(sample int16) byte {
	s := int(sample)
	var sign int
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// decodeMuLaw inverts encodeMuLaw, landing on the midpoint of the
// quantization interval.
func decodeMuLaw(b byte) int16 {
	u := ^b
	exponent := int(u>>4) & 0x07
	mantissa := int(u) & 0x0F
	magnitude := ((mantissa << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if u&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// BytesToSamples reads little-endian PCM16.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// SamplesToBytes writes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
