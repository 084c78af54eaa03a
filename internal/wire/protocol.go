// Package wire implements the renderd request/response wire protocol:
// two fixed-size packet variants distinguished solely by their length.
//
// Field layout follows original_source/renderd.py's struct formats
// ("5i" for v1, "5i41sxxx" for v2) rather than a literal reading of the
// distilled packet sizes, since the v2 struct format is what actually
// produces a 64-byte packet: 20 bytes of header, a 41-byte
// NUL-terminated style name (40 content bytes plus terminator, matching
// the <=40 byte style name invariant) and 3 bytes of trailing padding.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/renderd/renderd/internal/tilecoord"
)

// Command is the protocol command code carried by every packet.
type Command int32

const (
	Ignore  Command = 0
	Render  Command = 1
	Dirty   Command = 2
	Done    Command = 3
	NotDone Command = 4
)

func (c Command) String() string {
	switch c {
	case Ignore:
		return "ignore"
	case Render:
		return "render"
	case Dirty:
		return "dirty"
	case Done:
		return "done"
	case NotDone:
		return "not_done"
	default:
		return fmt.Sprintf("command(%d)", int32(c))
	}
}

const (
	// V1Size is the length in bytes of a version-1 packet.
	V1Size = 20
	// V2Size is the length in bytes of a version-2 packet.
	V2Size = 64

	v2StyleFieldSize = 41 // 40 content bytes + NUL terminator
	v2PaddingSize    = 3

	// DefaultStyle is used for v1 requests, which carry no style name.
	DefaultStyle = "default"

	maxStyleLen = 40
)

// MaxPacketSize is the largest of the two packet variants; callers
// should read up to this many bytes per receive.
const MaxPacketSize = V2Size

// Packet is a decoded request or response, independent of which wire
// variant produced or will carry it.
type Packet struct {
	Version int32
	Command Command
	Tile    tilecoord.Tile
	Style   string `validate:"max=40,printascii"`
}

var validate = validator.New()

// Validate checks the statically-checkable fields of a packet (style
// name length and printability). The dynamic x/y-within-zoom check is
// tilecoord.Tile.Valid, which validator's static tags cannot express
// since the bound depends on the packet's own Z field.
func (p Packet) Validate() error {
	return validate.Struct(p)
}

// BadRequest reports whether the packet's coordinates are out of range
// for its zoom level.
func (p Packet) BadRequest() bool {
	return !p.Tile.Valid()
}

// Key returns the metatile key this packet's tile belongs to.
func (p Packet) Key() tilecoord.MetatileKey {
	return p.Tile.Key(p.Style)
}

// Decode dispatches by length to the matching variant decoder. A
// length matching neither variant is reported as an error; the caller
// must close the connection in that case (§4.3's inbound rule).
func Decode(data []byte) (Packet, error) {
	switch len(data) {
	case V1Size:
		return decodeV1(data)
	case V2Size:
		return decodeV2(data)
	default:
		return Packet{}, fmt.Errorf("wire: invalid packet length %d", len(data))
	}
}

func decodeV1(data []byte) (Packet, error) {
	var raw [5]int32
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Packet{}, fmt.Errorf("wire: decoding v1 packet: %w", err)
	}
	return Packet{
		Version: raw[0],
		Command: Command(raw[1]),
		Tile:    tilecoord.Tile{X: raw[2], Y: raw[3], Z: raw[4]},
		Style:   DefaultStyle,
	}, nil
}

func decodeV2(data []byte) (Packet, error) {
	var raw [5]int32
	r := bytes.NewReader(data[:20])
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Packet{}, fmt.Errorf("wire: decoding v2 packet header: %w", err)
	}
	styleField := data[20 : 20+v2StyleFieldSize]
	style := trimNUL(styleField)
	return Packet{
		Version: raw[0],
		Command: Command(raw[1]),
		Tile:    tilecoord.Tile{X: raw[2], Y: raw[3], Z: raw[4]},
		Style:   style,
	}, nil
}

// Encode serializes a response packet in the same variant as req,
// per §4.3's outbound rule.
func Encode(req Packet, status Command) ([]byte, error) {
	switch req.Version {
	case 1:
		return encodeV1(req, status)
	case 2:
		return encodeV2(req, status)
	default:
		return nil, fmt.Errorf("wire: unknown protocol version %d", req.Version)
	}
}

func encodeV1(req Packet, status Command) ([]byte, error) {
	buf := new(bytes.Buffer)
	raw := [5]int32{1, int32(status), req.Tile.X, req.Tile.Y, req.Tile.Z}
	if err := binary.Write(buf, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeV2(req Packet, status Command) ([]byte, error) {
	buf := new(bytes.Buffer)
	raw := [5]int32{2, int32(status), req.Tile.X, req.Tile.Y, req.Tile.Z}
	if err := binary.Write(buf, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	styleField := make([]byte, v2StyleFieldSize)
	n := copy(styleField, req.Style)
	_ = n
	buf.Write(styleField)
	buf.Write(make([]byte, v2PaddingSize))
	return buf.Bytes(), nil
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
