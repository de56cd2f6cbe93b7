package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes carried in the fmt chunk.
const (
	WAVFormatPCM  = 1 // 16-bit linear PCM
	WAVFormatPCMA = 6 // G.711 a-law
	WAVFormatPCMU = 7 // G.711 u-law
)

// wavHeaderSize is the size of the canonical single-fmt-chunk header this
// package writes.
const wavHeaderSize = 44

// WAVInfo holds the fmt-chunk fields needed to validate and play a file.
type WAVInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration returns the audio length implied by the data size.
func (i *WAVInfo) Duration() time.Duration {
	if i.ByteRate == 0 {
		return 0
	}
	return time.Duration(i.DataSize) * time.Second / time.Duration(i.ByteRate)
}

var (
	ErrNotWAV        = errors.New("not a wav file")
	ErrWAVFormat     = errors.New("unsupported wav format")
	ErrWAVIncomplete = errors.New("wav file missing fmt or data chunk")
)

// ReadWAVHeader parses a WAV header, walking chunks until the data chunk.
// On return the reader is positioned at the first audio byte.
func ReadWAVHeader(r io.ReadSeeker) (*WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	info := &WAVInfo{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			fields := []any{
				&info.Format, &info.Channels, &info.SampleRate,
				&info.ByteRate, &info.BlockAlign, &info.BitsPerSample,
			}
			for _, f := range fields {
				if err := binary.Read(r, binary.LittleEndian, f); err != nil {
					return nil, fmt.Errorf("reading fmt chunk: %w", err)
				}
			}
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			info.DataSize = chunkSize
			foundData = true

		default:
			// Unknown chunks are skipped, padded to an even boundary.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt || !foundData {
		return nil, ErrWAVIncomplete
	}
	return info, nil
}

// ValidateTelephony checks that the file is one of the formats the PBX can
// play on the wire without transcoding: 8 kHz mono G.711 (8-bit) or 8 kHz
// mono 16-bit PCM.
func (i *WAVInfo) ValidateTelephony() error {
	switch i.Format {
	case WAVFormatPCMU, WAVFormatPCMA:
		if i.BitsPerSample != 8 {
			return fmt.Errorf("%w: g711 must be 8-bit, got %d", ErrWAVFormat, i.BitsPerSample)
		}
	case WAVFormatPCM:
		if i.BitsPerSample != 16 {
			return fmt.Errorf("%w: pcm must be 16-bit, got %d", ErrWAVFormat, i.BitsPerSample)
		}
	default:
		return fmt.Errorf("%w: format code %d", ErrWAVFormat, i.Format)
	}
	if i.Channels != 1 {
		return fmt.Errorf("%w: must be mono, got %d channels", ErrWAVFormat, i.Channels)
	}
	if i.SampleRate != SampleRate {
		return fmt.Errorf("%w: must be %d Hz, got %d Hz", ErrWAVFormat, SampleRate, i.SampleRate)
	}
	return nil
}

// PayloadTypeForWAVFormat maps a G.711 WAV format code to its RTP payload
// type.
func PayloadTypeForWAVFormat(format uint16) (int, error) {
	switch format {
	case WAVFormatPCMU:
		return PayloadPCMU, nil
	case WAVFormatPCMA:
		return PayloadPCMA, nil
	default:
		return 0, fmt.Errorf("%w: format code %d has no static payload type", ErrWAVFormat, format)
	}
}

// WAVFormatForPayloadType maps an RTP payload type to the WAV format code
// used when recording that stream.
func WAVFormatForPayloadType(payloadType int) uint16 {
	if payloadType == PayloadPCMA {
		return WAVFormatPCMA
	}
	return WAVFormatPCMU
}

// WriteWAVHeader writes the canonical 44-byte header for an 8 kHz mono
// file. dataSize may be zero for a placeholder header that is rewritten
// once the data length is known.
func WriteWAVHeader(w io.Writer, format uint16, dataSize uint32) error {
	var bytesPerSample uint32 = 1
	var bits uint16 = 8
	if format == WAVFormatPCM {
		bytesPerSample = 2
		bits = 16
	}

	hdr := make([]byte, wavHeaderSize)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], format)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], SampleRate*bytesPerSample)
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(bytesPerSample))
	binary.LittleEndian.PutUint16(hdr[34:36], bits)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := w.Write(hdr)
	return err
}

// WriteWAVFile writes a complete G.711 WAV file in one call.
func WriteWAVFile(path string, format uint16, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav file: %w", err)
	}
	defer f.Close()

	if err := WriteWAVHeader(f, format, uint32(len(data))); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing wav data: %w", err)
	}
	return f.Sync()
}

// DecodeWAVFile reads a telephony WAV file and returns its content as
// linear PCM samples, expanding G.711 as needed.
func DecodeWAVFile(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	info, err := ReadWAVHeader(f)
	if err != nil {
		return nil, err
	}
	if err := info.ValidateTelephony(); err != nil {
		return nil, err
	}

	data := make([]byte, info.DataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reading wav data: %w", err)
	}

	switch info.Format {
	case WAVFormatPCMU:
		return DecodePCMU(data), nil
	case WAVFormatPCMA:
		return DecodePCMA(data), nil
	default:
		pcm := make([]int16, len(data)/2)
		for i := range pcm {
			pcm[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
		}
		return pcm, nil
	}
}
