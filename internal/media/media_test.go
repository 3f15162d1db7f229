package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}

	data := Int16ToBytes(samples)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0, 0x80}, data)
	assert.Equal(t, samples, BytesToInt16(data))
	assert.Equal(t, samples[:2], BytesToInt16(data[:5]))
}

func TestEncodeDecodeWAV(t *testing.T) {
	clip := Tone(440, 250*time.Millisecond, 16000)
	require.Len(t, clip.Samples, 4000)

	data := EncodeWAV(clip)
	assert.True(t, IsWAV(data))
	assert.Len(t, data, wavHeaderSize+8000)

	got, err := DecodeWAV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16000, got.SampleRate)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, clip.Samples, got.Samples)
	assert.Equal(t, 250*time.Millisecond, got.Duration())
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	clip := &Clip{Samples: []int16{1, 2, 3, 4}, SampleRate: 8000, Channels: 2}
	plain := EncodeWAV(clip)

	// Insert an odd-sized LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(plain[:36])
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.Write(plain[36:])

	got, err := DecodeWAV(&buf)
	require.NoError(t, err)
	assert.Equal(t, clip.Samples, got.Samples)
	assert.Equal(t, 2, got.Frames())
}

func TestDecodeWAVRejects(t *testing.T) {
	t.Run("not riff", func(t *testing.T) {
		_, err := DecodeWAV(bytes.NewReader([]byte("ID3\x04 definitely an mp3 file")))
		assert.Error(t, err)
	})

	t.Run("float samples", func(t *testing.T) {
		data := EncodeWAV(&Clip{Samples: []int16{1}, SampleRate: 8000, Channels: 1})
		binary.LittleEndian.PutUint16(data[20:22], 3)
		_, err := DecodeWAV(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("missing data", func(t *testing.T) {
		data := EncodeWAV(&Clip{Samples: nil, SampleRate: 8000, Channels: 1})
		_, err := DecodeWAV(bytes.NewReader(data[:36]))
		assert.EqualError(t, err, "data chunk not found")
	})
}

func TestDecodeRawPCM(t *testing.T) {
	data := Int16ToBytes([]int16{5, 6, 7, 8})

	clip, err := Decode(data, "audio/L16; rate=24000; channels=2", 16000)
	require.NoError(t, err)
	assert.Equal(t, 24000, clip.SampleRate)
	assert.Equal(t, 2, clip.Channels)
	assert.Equal(t, 2, clip.Frames())

	clip, err = Decode(data, "audio/pcm", 16000)
	require.NoError(t, err)
	assert.Equal(t, 16000, clip.SampleRate)

	_, err = Decode(data, "audio/mpeg", 16000)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Decode(data, "", 16000)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestClipPositions(t *testing.T) {
	clip := &Clip{Samples: make([]int16, 16000), SampleRate: 8000, Channels: 2}

	assert.Equal(t, time.Second, clip.Duration())
	assert.Equal(t, 4000, clip.FrameAt(500*time.Millisecond))
	assert.Equal(t, 8000, clip.FrameAt(5*time.Second))
	assert.Equal(t, 0, clip.FrameAt(-time.Second))
	assert.Equal(t, 250*time.Millisecond, clip.FrameTime(2000))
}

func TestFetchClip(t *testing.T) {
	wav := EncodeWAV(Tone(220, 100*time.Millisecond, 8000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tone.wav":
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())

	clip, err := f.FetchClip(context.Background(), srv.URL+"/tone.wav")
	require.NoError(t, err)
	assert.Equal(t, 800, clip.Frames())

	_, err = f.FetchClip(context.Background(), srv.URL+"/missing.wav")
	assert.ErrorContains(t, err, "status 404")
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	f.maxBytes = 32

	_, _, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "larger than 32 bytes")
}
