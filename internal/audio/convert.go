package audio

import "fmt"

// ToCloudFormat turns a telephony frame into PCM16 at CloudInputRate.
func (t *Tables) ToCloudFormat(raw []byte, codec Codec, inputRate int) ([]byte, error) {
	var samples []int16
	switch codec {
	case CodecPCMU:
		samples = t.Decode(raw)
	case CodecL16:
		s, err := BytesToSamples(raw)
		if err != nil {
			return nil, err
		}
		samples = s
	default:
		return nil, fmt.Errorf("audio: unsupported codec %q", codec)
	}
	return SamplesToBytes(Resample(samples, inputRate, CloudInputRate)), nil
}

// FromCloudFormat turns PCM16 at CloudOutputRate into a telephony frame at
// outputRate, mu-law encoded when the leg uses PCMU.
func (t *Tables) FromCloudFormat(cloud []byte, codec Codec, outputRate int) ([]byte, error) {
	samples, err := BytesToSamples(cloud)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, CloudOutputRate, outputRate)
	switch codec {
	case CodecPCMU:
		return t.Encode(samples), nil
	case CodecL16:
		return SamplesToBytes(samples), nil
	default:
		return nil, fmt.Errorf("audio: unsupported codec %q", codec)
	}
}

// FrameBytes returns the size of a 20 ms frame for codec at rate.
func FrameBytes(codec Codec, rate int) int {
	samples := rate / 50
	if codec == CodecL16 {
		return samples * 2
	}
	return samples
}
