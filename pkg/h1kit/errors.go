package h1kit

import "fmt"

// LocalProtocolError indicates that this side of the connection attempted
// something illegal: constructing an invalid event, violating a writer
// invariant, or driving the state machine with an event it cannot accept in
// the current state.
type LocalProtocolError struct {
	Msg string
	// ErrorStatusHint is a suggested HTTP status code for callers that want
	// to turn the failure into an error response.
	ErrorStatusHint int
}

func (e *LocalProtocolError) Error() string {
	return e.Msg
}

// RemoteProtocolError indicates that the peer's bytes or behavior violate
// the protocol: malformed grammar, disallowed repeated headers, or a
// connection closed in the middle of a message body.
type RemoteProtocolError struct {
	Msg             string
	ErrorStatusHint int
}

func (e *RemoteProtocolError) Error() string {
	return e.Msg
}

func localError(format string, args ...any) *LocalProtocolError {
	return &LocalProtocolError{Msg: fmt.Sprintf(format, args...), ErrorStatusHint: 400}
}

func localErrorHint(hint int, format string, args ...any) *LocalProtocolError {
	return &LocalProtocolError{Msg: fmt.Sprintf(format, args...), ErrorStatusHint: hint}
}

func remoteError(format string, args ...any) *RemoteProtocolError {
	return &RemoteProtocolError{Msg: fmt.Sprintf(format, args...), ErrorStatusHint: 400}
}

func remoteErrorHint(hint int, format string, args ...any) *RemoteProtocolError {
	return &RemoteProtocolError{Msg: fmt.Sprintf(format, args...), ErrorStatusHint: hint}
}

// asRemoteError converts a LocalProtocolError raised while parsing peer
// bytes into the RemoteProtocolError it really is, preserving the status
// hint. Other errors pass through unchanged.
func asRemoteError(err error) error {
	if local, ok := err.(*LocalProtocolError); ok {
		return &RemoteProtocolError{Msg: local.Msg, ErrorStatusHint: local.ErrorStatusHint}
	}
	return err
}
