// Package audio implements the G.711 codec operations, tone generation,
// in-band DTMF detection, and WAV framing used by the media layer. All
// audio is 8 kHz mono: one G.711 byte per sample, one int16 per linear
// PCM sample.
package audio

import "github.com/zaf/g711"

// Static RTP payload types for the G.711 variants (RFC 3551 §6).
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
)

// G.711 silence bytes. A u-law 0xFF decodes to 0; a-law silence is 0xD5.
const (
	SilencePCMU = 0xFF
	SilencePCMA = 0xD5
)

// SampleRate is the only sample rate the PBX carries.
const SampleRate = 8000

// EncodePCMU compresses linear PCM samples to G.711 u-law, one byte per
// sample.
func EncodePCMU(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// DecodePCMU expands G.711 u-law bytes to linear PCM samples.
func DecodePCMU(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodePCMA compresses linear PCM samples to G.711 a-law, one byte per
// sample.
func EncodePCMA(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeAlawFrame(s)
	}
	return out
}

// DecodePCMA expands G.711 a-law bytes to linear PCM samples.
func DecodePCMA(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = g711.DecodeAlawFrame(b)
	}
	return out
}

// Encode compresses linear PCM with the codec identified by the given
// RTP payload type. Unknown payload types fall back to u-law.
func Encode(payloadType int, pcm []int16) []byte {
	if payloadType == PayloadPCMA {
		return EncodePCMA(pcm)
	}
	return EncodePCMU(pcm)
}

// Decode expands G.711 bytes with the codec identified by the given RTP
// payload type. Unknown payload types fall back to u-law.
func Decode(payloadType int, data []byte) []int16 {
	if payloadType == PayloadPCMA {
		return DecodePCMA(data)
	}
	return DecodePCMU(data)
}

// SilenceByte returns the G.711 silence byte for the given payload type.
func SilenceByte(payloadType int) byte {
	if payloadType == PayloadPCMA {
		return SilencePCMA
	}
	return SilencePCMU
}
