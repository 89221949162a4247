package ws

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/diamondburned/magma/utils/json"
)

// Codec holds the codec states for Websocket implementations to share with the
// manager. It is used internally in the Websocket and the Connection
// implementation.
type Codec struct {
	Unmarshalers OpUnmarshalers
	Headers      http.Header
}

// NewCodec creates a new default Codec instance.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

type codecOp struct {
	Code OpCode   `json:"op"`
	Data json.Raw `json:"d,omitempty"`
}

// Encode renders ev as an Op frame.
func (c Codec) Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(NewOp(ev))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode op %d", ev.Op())
	}
	return b, nil
}

// DecodeInto reads one frame from r and sends the decoded Op into out. Frames
// that fail to decode are sent as a BackgroundErrorEvent instead.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, out chan<- Op) error {
	var op codecOp

	if err := json.DecodeStream(r, &op); err != nil {
		return send(ctx, out, newErrOp(err, "cannot read JSON stream"))
	}

	fn := c.Unmarshalers.Lookup(op.Code)
	if fn == nil {
		return send(ctx, out, newErrOp(&UnknownEventError{Op: op.Code}, ""))
	}

	ev := fn()

	if len(op.Data) > 0 {
		if err := json.Unmarshal(op.Data, ev); err != nil {
			err = errors.Wrapf(err, "cannot unmarshal op %d", op.Code)
			return send(ctx, out, newErrOp(err, ""))
		}
	}

	return send(ctx, out, Op{Code: op.Code, Data: ev})
}

func send(ctx context.Context, ch chan<- Op, op Op) error {
	select {
	case ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newErrOp(err error, wrap string) Op {
	if wrap != "" {
		err = errors.Wrap(err, wrap)
	}

	return NewOp(&BackgroundErrorEvent{Err: err})
}
