package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal Op codes that never go over the wire.
type OpCode int

const (
	// CloseOp is the pseudo-opcode of a CloseEvent.
	CloseOp OpCode = -1
	// BackgroundErrorOp is the pseudo-opcode of a BackgroundErrorEvent.
	BackgroundErrorOp OpCode = -2
)

// Event describes the data of an Op.
type Event interface {
	Op() OpCode
}

// CloseEvent is an event that is given from the read loop when the websocket
// is closed by anything other than Close.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 otherwise.
	Code int
	// Reason is the close reason sent along with Code.
	Reason string
}

// Unwrap returns err.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

// Error formats the CloseEvent. A CloseEvent is also an error.
func (e *CloseEvent) Error() string {
	if e.Code == -1 {
		return fmt.Sprintf("websocket lost: %v", e.Err)
	}
	return fmt.Sprintf("websocket closed with %d %q", e.Code, e.Reason)
}

// Op implements Event. It returns CloseOp.
func (e *CloseEvent) Op() OpCode { return CloseOp }

// BackgroundErrorEvent describes a non-fatal error that the read loop stumbled
// upon, such as a frame that could not be decoded.
type BackgroundErrorEvent struct {
	Err error
}

// Unwrap returns err.Err.
func (e *BackgroundErrorEvent) Unwrap() error { return e.Err }

// Error formats the BackgroundErrorEvent.
func (e *BackgroundErrorEvent) Error() string {
	return "background websocket error: " + e.Err.Error()
}

// Op implements Event. It returns BackgroundErrorOp.
func (e *BackgroundErrorEvent) Op() OpCode { return BackgroundErrorOp }

// OpFunc is a constructor function for an Event.
type OpFunc func() Event

// OpUnmarshalers maps opcodes to the constructors of their events.
type OpUnmarshalers struct {
	r map[OpCode]OpFunc
}

// NewOpUnmarshalers creates a new OpUnmarshalers instance from the given
// constructor functions.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := OpUnmarshalers{r: make(map[OpCode]OpFunc, len(funcs))}
	m.Add(funcs...)
	return m
}

// Add adds the given functions into the unmarshaler registry.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		m.r[fn().Op()] = fn
	}
}

// Lookup searches for the constructor function of the given opcode.
func (m OpUnmarshalers) Lookup(op OpCode) OpFunc {
	return m.r[op]
}

// Op is a gateway Operation.
type Op struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d"`
}

// NewOp wraps ev into an Op.
func NewOp(ev Event) Op {
	return Op{Code: ev.Op(), Data: ev}
}

// UnknownEventError is wrapped into a BackgroundErrorEvent if an opcode is
// encountered that has no unmarshaler. It is not a fatal error.
type UnknownEventError struct {
	Op OpCode
}

// Error formats the unknown event error.
func (err *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown op %d", err.Op)
}

// IsUnknownEvent returns true if the error is or wraps an UnknownEventError.
func IsUnknownEvent(err error) bool {
	var uevent *UnknownEventError
	return errors.As(err, &uevent)
}

// ReadOp reads a single Op. It returns ErrWebsocketClosed if the channel is
// closed.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
