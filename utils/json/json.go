// Package json lets the JSON implementation behind the voice gateway codec be
// swapped out.
package json

import (
	"encoding/json"
	"io"
)

// Driver is a JSON implementation.
type Driver interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	DecodeStream(r io.Reader, v interface{}) error
}

type stdDriver struct{}

func (stdDriver) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (stdDriver) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (stdDriver) DecodeStream(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Default is the driver used by the package-level functions. It wraps
// encoding/json.
var Default Driver = stdDriver{}

// Raw is a raw encoded JSON value used to delay decoding.
type Raw = json.RawMessage

func Marshal(v interface{}) ([]byte, error)         { return Default.Marshal(v) }
func Unmarshal(data []byte, v interface{}) error    { return Default.Unmarshal(data, v) }
func DecodeStream(r io.Reader, v interface{}) error { return Default.DecodeStream(r, v) }
