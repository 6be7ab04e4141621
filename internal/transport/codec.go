package transport

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so an unchanged snapshot always
// encodes to the same bytes. Timestamps keep nanoseconds as RFC 3339 text.
var encMode cbor.EncMode

// decMode ignores unknown fields for forward compatibility. Every CBOR
// element takes at least one byte, so a frame within MaxFrameElements bytes
// never trips the element limits.
var decMode cbor.DecMode

// MaxFrameElements bounds array and map lengths while decoding. It matches
// the largest frame the peer link reads by default.
const MaxFrameElements = 16 << 20

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: MaxFrameElements,
		MaxMapPairs:      MaxFrameElements,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage holds an encoded payload until its type is known.
type RawMessage = cbor.RawMessage

// Marshal encodes v to CBOR. Struct fields use their json tags.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
