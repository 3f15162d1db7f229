package sdk

import (
	"errors"
	"fmt"
)

const (
	// TransientMin and TransientMax bound the connection-layer codes a voice
	// session may retry.
	TransientMin = 1000
	TransientMax = 5000

	// CodeAbnormalClosure is reported when the connection drops without a close frame.
	CodeAbnormalClosure = 1006
	// CodeTokenExpired asks the client to refresh its access token.
	CodeTokenExpired = 40102
)

// ErrNotConnected is returned by sends issued without an open connection.
var ErrNotConnected = errors.New("sdk: not connected")

// Class groups error codes by how the session recovers.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	}
	return "fatal"
}

// Classify maps an error code onto its recovery class.
func Classify(code int) Class {
	switch {
	case code == CodeTokenExpired:
		return ClassAuth
	case code >= TransientMin && code <= TransientMax:
		return ClassTransient
	}
	return ClassFatal
}

// Error is an error reported by the dialogue service or its connection.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sdk error %d: %s", e.Code, e.Message)
}

func (e *Error) Class() Class {
	return Classify(e.Code)
}
