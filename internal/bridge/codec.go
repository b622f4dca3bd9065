package bridge

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Bridge frames are a stream of CBOR items over TCP. Encoding uses Core
// Deterministic Encoding so identical frames produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxByteStringLen: maxFrameBytes,
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// maxFrameBytes bounds a single byte string inside a frame.
const maxFrameBytes = 512 * 1024

// Frame kinds on the bridge wire.
const (
	KindHello   = "hello"
	KindHelloOK = "hello-ok"
	KindError   = "error"
	KindRequest = "req"
	KindResult  = "res"
	KindEvent   = "event"
	KindPing    = "ping"
	KindPong    = "pong"
)

// Frame is the single envelope used in both directions. Payloads travel as
// JSON bytes so the gateway relays them without re-encoding.
type Frame struct {
	Kind    string `cbor:"kind"`
	ID      string `cbor:"id,omitempty"`
	Method  string `cbor:"method,omitempty"`
	Event   string `cbor:"event,omitempty"`
	Payload []byte `cbor:"payloadJSON,omitempty"`
	OK      bool   `cbor:"ok,omitempty"`
	Code    string `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`

	// hello only
	NodeID          string   `cbor:"nodeId,omitempty"`
	Token           string   `cbor:"token,omitempty"`
	DisplayName     string   `cbor:"displayName,omitempty"`
	Platform        string   `cbor:"platform,omitempty"`
	Version         string   `cbor:"version,omitempty"`
	DeviceFamily    string   `cbor:"deviceFamily,omitempty"`
	ModelIdentifier string   `cbor:"modelIdentifier,omitempty"`
	Caps            []string `cbor:"caps,omitempty"`
}

// NewEncoder returns a frame encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a frame decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Marshal encodes one frame.
func Marshal(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}
