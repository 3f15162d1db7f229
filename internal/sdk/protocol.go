package sdk

import (
	"fmt"
	"net/url"
	"strconv"
)

// Message types sent by the client.
const (
	MessageText       = "text"
	MessageStructured = "structured"
)

// MessageSpeech is the server's speech control frame type.
const MessageSpeech = "speech"

// Speech control states.
const (
	SpeechStart = "start"
	SpeechEnd   = "end"
)

// ClientMessage is a text frame sent to the server. Microphone audio travels
// in binary frames as 16-bit little-endian PCM.
type ClientMessage struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	ClientData map[string]any `json:"clientData,omitempty"`
}

// ControlMessage brackets the binary speech frames the server streams back.
// Any other server text frame is metadata.
type ControlMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// Endpoint builds the session URL for host, port and path.
func Endpoint(host string, port int, path string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	if !(secure && port == 443) && !(!secure && port == 80) && port > 0 {
		u.Host = host + ":" + strconv.Itoa(port)
	}
	return u.String()
}

// httpStatusCode maps a rejected handshake onto the error code contract.
func httpStatusCode(status int) int {
	switch {
	case status == 401:
		return CodeTokenExpired
	case status >= 500:
		return 1011
	}
	return status * 100
}

func httpStatusMessage(status int) string {
	return fmt.Sprintf("handshake rejected with HTTP %d", status)
}
