package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	wavFormatPCM    = 1
	minFmtChunkSize = 16
	bitDepth16      = 16
	wavHeaderSize   = 44
)

// ErrUnsupportedFormat is returned for audio this player cannot decode.
var ErrUnsupportedFormat = errors.New("media: unsupported audio format")

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV reads a 16-bit PCM WAV file.
func DecodeWAV(r io.Reader) (*Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if !IsWAV(riff[:]) {
		return nil, errors.New("not a valid WAVE file")
	}

	clip := &Clip{}
	haveFmt := false
	for {
		id, size, err := readChunkHeader(r)
		if err != nil {
			return nil, err
		}
		switch id {
		case "fmt ":
			if err := parseFmtChunk(r, size, clip); err != nil {
				return nil, err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errors.New("data chunk before fmt chunk")
			}
			// Streamed files may declare a larger size than they carry.
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("failed to read data chunk: %w", err)
			}
			clip.Samples = BytesToInt16(data)
			return clip, nil
		default:
			if err := skipChunk(r, size); err != nil {
				return nil, err
			}
		}
	}
}

func readChunkHeader(r io.Reader) (string, uint32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return "", 0, errors.New("data chunk not found")
		}
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(header[0:4]), binary.LittleEndian.Uint32(header[4:8]), nil
}

func parseFmtChunk(r io.Reader, size uint32, clip *Clip) error {
	if size < minFmtChunkSize {
		return fmt.Errorf("fmt chunk too small: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read fmt chunk: %w", err)
	}
	if size%2 == 1 {
		if err := skipChunk(r, 1); err != nil {
			return err
		}
	}
	format := binary.LittleEndian.Uint16(buf[0:2])
	bits := binary.LittleEndian.Uint16(buf[14:16])
	if format != wavFormatPCM || bits != bitDepth16 {
		return fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, format, bits)
	}
	clip.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
	clip.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
	if clip.Channels == 0 || clip.SampleRate == 0 {
		return errors.New("fmt chunk has zero channels or sample rate")
	}
	return nil
}

// skipChunk discards size bytes plus the pad byte of odd-sized chunks.
func skipChunk(r io.Reader, size uint32) error {
	n := int64(size)
	if size%2 == 1 {
		n++
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("failed to skip chunk: %w", err)
	}
	return nil
}

// EncodeWAV wraps a clip in a canonical 44-byte WAV header.
func EncodeWAV(clip *Clip) []byte {
	data := Int16ToBytes(clip.Samples)
	blockAlign := clip.Channels * 2
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(data))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(minFmtChunkSize))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(clip.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(clip.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(clip.SampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitDepth16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// Tone generates a mono sine wave.
func Tone(freq float64, d time.Duration, sampleRate int) *Clip {
	n := int(d * time.Duration(sampleRate) / time.Second)
	samples := make([]int16, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
		samples[i] = int16(v * 0.3 * math.MaxInt16)
	}
	return &Clip{Samples: samples, SampleRate: sampleRate, Channels: 1}
}
