package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	out := Packet{
		Items: []Item{
			{ID: 1, CoilCount: 8, DTypeTag: DTypeComplex64, SampleCount: 3, Payload: []byte{1, 2, 3, 4, 5, 6}},
			{ID: 2, CoilCount: 4, DTypeTag: DTypeFloat32, SampleCount: 0, Payload: nil},
		},
	}

	var buf bytes.Buffer
	_, err := out.WriteTo(&buf)
	require.NoError(t, err)

	var in Packet
	_, err = in.ReadFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, in.Items, 2)
	assert.Equal(t, uint32(1), in.Items[0].ID)
	assert.Equal(t, uint16(8), in.Items[0].CoilCount)
	assert.Equal(t, DTypeComplex64, in.Items[0].DTypeTag)
	assert.Equal(t, uint32(3), in.Items[0].SampleCount)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, in.Items[0].Payload)
	assert.Empty(t, in.Items[1].Payload)
}

func TestPacketLittleEndianLayout(t *testing.T) {
	p := Packet{Items: []Item{{ID: 0x01020304, CoilCount: 2, DTypeTag: DTypeInt16, SampleCount: 1, Payload: []byte{0xAA, 0xBB}}}}

	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	b := buf.Bytes()

	assert.Equal(t, Magic, binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, Version, binary.LittleEndian.Uint16(b[4:6]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(b[6:8]))
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[20:24])) // byteLength
	assert.Equal(t, []byte{0xAA, 0xBB}, b[24:26])
}

func TestPacketBadMagic(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint16(raw[4:6], Version)

	var p Packet
	_, err := p.ReadFrom(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestPacketVersionMismatch(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:4], Magic)
	binary.LittleEndian.PutUint16(raw[4:6], Version+1)

	var p Packet
	_, err := p.ReadFrom(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestPacketTruncatedPayload(t *testing.T) {
	p := Packet{Items: []Item{{ID: 1, Payload: []byte{1, 2, 3, 4}}}}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)

	var in Packet
	_, err = in.ReadFrom(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	assert.Error(t, err)
}
