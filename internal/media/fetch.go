package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 32 << 20

// Fetcher downloads media over HTTP.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	// RawSampleRate is assumed for raw PCM responses that do not name a rate.
	RawSampleRate int
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes, RawSampleRate: 16000}
}

// Fetch returns the body and content type of url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("fetch %s: larger than %d bytes", url, f.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// FetchClip downloads and decodes url.
func (f *Fetcher) FetchClip(ctx context.Context, url string) (*Clip, error) {
	data, contentType, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return Decode(data, contentType, f.RawSampleRate)
}

// Decode turns a downloaded body into a clip. WAV is recognised by its
// header; raw 16-bit PCM by its content type.
func Decode(data []byte, contentType string, rawSampleRate int) (*Clip, error) {
	if IsWAV(data) {
		return DecodeWAV(bytes.NewReader(data))
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, contentType)
	}
	switch strings.ToLower(mediaType) {
	case "audio/l16", "audio/pcm", "audio/x-raw":
		rate := rawSampleRate
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rate = r
		}
		channels := 1
		if c, err := strconv.Atoi(params["channels"]); err == nil && c > 0 {
			channels = c
		}
		return &Clip{Samples: BytesToInt16(data), SampleRate: rate, Channels: channels}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
}
