package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single protocol frame. Objects are chunks of
// at most a few MiB; anything larger is a protocol error, not data.
const MaxFrameSize = 64 << 20

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical message, identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored so older
// servers tolerate newer clients.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using the protocol's deterministic CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Conn frames CBOR messages over a byte stream: a 4-byte big-endian
// length prefix followed by the CBOR body. Both sides of a gateway
// session (client over the remote-shell stdio, backend over its own
// transport) speak this framing.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps rw in protocol framing.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: rw}
}

func (c *Conn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxFrameSize)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return frame, nil
}

func (c *Conn) writeFrame(body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(body), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	_, err := c.w.Write(body)
	return err
}

// ReadRequest reads and decodes the next request. io.EOF is returned
// unwrapped when the peer closed the stream between messages.
func (c *Conn) ReadRequest() (*Request, error) {
	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	return &req, nil
}

// WriteRequest encodes and writes a request.
func (c *Conn) WriteRequest(req *Request) error {
	body, err := Marshal(req)
	if err != nil {
		return err
	}
	return c.writeFrame(body)
}

// ReadResponse reads and decodes the next response.
func (c *Conn) ReadResponse() (*Response, error) {
	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

// WriteResponse encodes and writes a response.
func (c *Conn) WriteResponse(resp *Response) error {
	body, err := Marshal(resp)
	if err != nil {
		return err
	}
	return c.writeFrame(body)
}
