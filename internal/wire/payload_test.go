package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
)

func TestPayload_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Payload{CenterX: 1.5, CenterY: -2.25, CenterZ: 0, VelX: 100, VelY: -100, VelZ: 0}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, PayloadSize)

	var out Payload
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
}

func TestPayload_BigEndianLayout(t *testing.T) {
	t.Parallel()

	b, err := Payload{CenterX: 1, VelZ: -2}.MarshalBinary()
	require.NoError(t, err)
	want := "3f800000" + "00000000" + "00000000" + "00000000" + "00000000" + "c0000000"
	assert.Equal(t, want, hex.EncodeToString(b))
}

func TestPayload_UnmarshalShort(t *testing.T) {
	t.Parallel()

	var p Payload
	err := p.UnmarshalBinary(make([]byte, PayloadSize-1))
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestFromSample_Scales(t *testing.T) {
	t.Parallel()

	s := kinematics.KinematicSample{
		Position: r3.Vec{X: 1000, Y: -500, Z: 250},
		Velocity: r3.Vec{X: 60, Y: 0, Z: -120},
	}
	assert.Equal(t, Payload{CenterX: 1000, CenterY: -500, CenterZ: 250, VelX: 60, VelZ: -120}, FromSample(s, 0))

	m := FromSample(s, 0.001)
	assert.InDelta(t, 1, m.CenterX, 1e-6)
	assert.InDelta(t, -0.5, m.CenterY, 1e-6)
	assert.InDelta(t, 0.25, m.CenterZ, 1e-6)
	assert.InDelta(t, 0.06, m.VelX, 1e-6)
	assert.InDelta(t, 0, m.VelY, 1e-6)
	assert.InDelta(t, -0.12, m.VelZ, 1e-6)
}

func TestDecoder_Reframes(t *testing.T) {
	t.Parallel()

	var stream []byte
	want := []Payload{
		{CenterX: 1, VelX: 2},
		{CenterY: 3, VelY: 4},
	}
	for _, p := range want {
		var err error
		stream, err = p.AppendBinary(stream)
		require.NoError(t, err)
	}
	// Deliver the stream one byte at a time plus a partial trailing payload.
	stream = append(stream, 0x3f, 0x80)
	d := NewDecoder(iotest.OneByteReader(bytes.NewReader(stream)))

	for i, w := range want {
		got, err := d.Decode()
		require.NoError(t, err, "payload %d", i)
		assert.Equal(t, w, got)
	}
	_, err := d.Decode()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestDecoder_CleanEOF(t *testing.T) {
	t.Parallel()

	_, err := NewDecoder(bytes.NewReader(nil)).Decode()
	assert.Equal(t, io.EOF, err)
}
