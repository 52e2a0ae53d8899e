// Package wire encodes the fixed controller payload: six big-endian IEEE-754
// float32 values, centre position then velocity, 24 bytes with no framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
)

// PayloadSize is the encoded size of one Payload.
const PayloadSize = 24

// ErrShortPayload is returned when fewer than PayloadSize bytes are decoded.
var ErrShortPayload = errors.New("wire: short payload")

// Payload is the value streamed to the controller for one emission.
type Payload struct {
	CenterX float32 `json:"center_x"`
	CenterY float32 `json:"center_y"`
	CenterZ float32 `json:"center_z"`
	VelX    float32 `json:"vel_x"`
	VelY    float32 `json:"vel_y"`
	VelZ    float32 `json:"vel_z"`
}

// FromSample narrows a kinematic sample to float32, multiplying positions and
// velocities by scale (1 keeps the source units).
func FromSample(s kinematics.KinematicSample, scale float64) Payload {
	if scale == 0 {
		scale = 1
	}
	return Payload{
		CenterX: float32(s.Position.X * scale),
		CenterY: float32(s.Position.Y * scale),
		CenterZ: float32(s.Position.Z * scale),
		VelX:    float32(s.Velocity.X * scale),
		VelY:    float32(s.Velocity.Y * scale),
		VelZ:    float32(s.Velocity.Z * scale),
	}
}

func (p Payload) fields() [6]float32 {
	return [6]float32{p.CenterX, p.CenterY, p.CenterZ, p.VelX, p.VelY, p.VelZ}
}

// AppendBinary appends the 24-byte encoding of p to b.
func (p Payload) AppendBinary(b []byte) ([]byte, error) {
	for _, f := range p.fields() {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b, nil
}

// MarshalBinary returns the 24-byte encoding of p.
func (p Payload) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, PayloadSize))
}

// UnmarshalBinary decodes the first PayloadSize bytes of data.
func (p *Payload) UnmarshalBinary(data []byte) error {
	if len(data) < PayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
	}
	*p = Payload{
		CenterX: f(0), CenterY: f(1), CenterZ: f(2),
		VelX: f(3), VelY: f(4), VelZ: f(5),
	}
	return nil
}

func (p Payload) String() string {
	return fmt.Sprintf("center=(%.3f, %.3f, %.3f) vel=(%.3f, %.3f, %.3f)",
		p.CenterX, p.CenterY, p.CenterZ, p.VelX, p.VelY, p.VelZ)
}

// Decoder reads consecutive payloads from a byte stream such as the
// controller side of a TCP connection, which may split or coalesce writes.
type Decoder struct {
	r   io.Reader
	buf [PayloadSize]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode blocks until a full payload is read. It returns io.EOF on a clean
// end of stream and io.ErrUnexpectedEOF when the stream ends mid-payload.
func (d *Decoder) Decode() (Payload, error) {
	var p Payload
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return p, err
	}
	err := p.UnmarshalBinary(d.buf[:])
	return p, err
}
