package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is one sample on the wire. Integer keys keep datagrams small.
type Frame struct {
	Name    string    `cbor:"1,keyasint"`
	Channel string    `cbor:"2,keyasint"`
	Seq     uint64    `cbor:"3,keyasint"`
	Stamp   int64     `cbor:"4,keyasint"` // unix nanoseconds at the producer
	Values  []float64 `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 65536}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serialises a frame with deterministic CBOR.
func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// DecodeFrame parses a datagram.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
