// ABOUTME: Per-message STOMP 1.2 codec on top of go-stomp's frame package
// ABOUTME: Carries client and relay frames inside WebSocket text messages

// Package stomp moves go-stomp frames in and out of WebSocket messages.
// One WebSocket message carries one frame; heart-beats are bare
// end-of-line messages.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// Headers the relay uses that go-stomp has no name for.
const (
	HdrAuthorization = "Authorization"
	HdrUserName      = "user-name"
)

// ErrHeartBeat is returned by Decode for a heart-beat (EOL only) message.
var ErrHeartBeat = errors.New("stomp: heart-beat")

// Encode serializes f, adding content-length when there is a body.
func Encode(f *frame.Frame) ([]byte, error) {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	if len(f.Body) > 0 {
		if _, ok := f.Header.Contains(frame.ContentLength); !ok {
			f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
		}
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("stomp: encoding %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses the frame carried by one WebSocket message. Leading EOLs
// from heart-beats are skipped; a message made only of EOLs returns
// ErrHeartBeat.
func Decode(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimLeft(data, "\r\n")) == 0 {
		return nil, ErrHeartBeat
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("stomp: %w", err)
		}
		if f != nil {
			return f, nil
		}
	}
}
