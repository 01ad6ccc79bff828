// Package wire implements the binary packet format used by the downstream
// sample query endpoint: a fixed little-endian packet header followed by
// per-item headers and raw payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a sample packet stream.
const Magic uint32 = 0x53484231 // "SHB1"

// Version is the current packet layout version.
const Version uint16 = 1

// Data type tags for item payloads.
const (
	DTypeComplex64  uint16 = 1
	DTypeComplex128 uint16 = 2
	DTypeFloat32    uint16 = 3
	DTypeFloat64    uint16 = 4
	DTypeInt16      uint16 = 5
)

var (
	// ErrBadMagic means the stream does not start with the packet magic.
	ErrBadMagic = errors.New("wire: bad packet magic")
	// ErrVersionMismatch means the packet was written by an unknown layout version.
	ErrVersionMismatch = errors.New("wire: unsupported packet version")
)

// Item is one acquisition readout: its identity, shape, and raw payload.
type Item struct {
	ID          uint32
	CoilCount   uint16
	DTypeTag    uint16
	SampleCount uint32
	Payload     []byte
}

// Packet is an ordered set of items sharing one header.
type Packet struct {
	Items []Item
}

// itemHeaderSize is the fixed per-item header length:
// u32 id + u16 coilCount + u16 dtypeTag + u32 sampleCount + u32 byteLength.
const itemHeaderSize = 4 + 2 + 2 + 4 + 4

// packetHeaderSize is u32 magic + u16 version + u16 count.
const packetHeaderSize = 4 + 2 + 2

// WriteTo encodes the packet to w, little-endian throughout.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	if len(p.Items) > 0xFFFF {
		return 0, fmt.Errorf("wire: too many items: %d", len(p.Items))
	}

	var written int64

	hdr := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(p.Items)))
	n, err := w.Write(hdr)
	written += int64(n)
	if err != nil {
		return written, err
	}

	item := make([]byte, itemHeaderSize)
	for i := range p.Items {
		it := &p.Items[i]
		binary.LittleEndian.PutUint32(item[0:4], it.ID)
		binary.LittleEndian.PutUint16(item[4:6], it.CoilCount)
		binary.LittleEndian.PutUint16(item[6:8], it.DTypeTag)
		binary.LittleEndian.PutUint32(item[8:12], it.SampleCount)
		binary.LittleEndian.PutUint32(item[12:16], uint32(len(it.Payload)))
		n, err = w.Write(item)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write(it.Payload)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom decodes one packet from r.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var read int64

	hdr := make([]byte, packetHeaderSize)
	n, err := io.ReadFull(r, hdr)
	read += int64(n)
	if err != nil {
		return read, fmt.Errorf("wire: short packet header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return read, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(hdr[4:6]) != Version {
		return read, ErrVersionMismatch
	}
	count := binary.LittleEndian.Uint16(hdr[6:8])

	p.Items = make([]Item, 0, count)
	item := make([]byte, itemHeaderSize)
	for i := 0; i < int(count); i++ {
		n, err = io.ReadFull(r, item)
		read += int64(n)
		if err != nil {
			return read, fmt.Errorf("wire: short item header: %w", err)
		}
		it := Item{
			ID:          binary.LittleEndian.Uint32(item[0:4]),
			CoilCount:   binary.LittleEndian.Uint16(item[4:6]),
			DTypeTag:    binary.LittleEndian.Uint16(item[6:8]),
			SampleCount: binary.LittleEndian.Uint32(item[8:12]),
		}
		byteLength := binary.LittleEndian.Uint32(item[12:16])
		it.Payload = make([]byte, byteLength)
		n, err = io.ReadFull(r, it.Payload)
		read += int64(n)
		if err != nil {
			return read, fmt.Errorf("wire: short item payload: %w", err)
		}
		p.Items = append(p.Items, it)
	}
	return read, nil
}
