package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidHeader is returned by ParseHeader for anything that is not a canonical header.
var ErrInvalidHeader = errors.New("not a canonical 16-bit PCM wav header")

// Header describes the fields of the canonical 44-byte header.
type Header struct {
	Channels   int
	SampleRate int
	DataLength int
}

// ByteRate is sampleRate * channels * 2.
func (h Header) ByteRate() int { return h.SampleRate * h.Channels * bytesPerSample }

// BlockAlign is channels * 2.
func (h Header) BlockAlign() int { return h.Channels * bytesPerSample }

// Frames returns the number of sample frames in the data chunk.
func (h Header) Frames() int {
	if h.BlockAlign() == 0 {
		return 0
	}
	return h.DataLength / h.BlockAlign()
}

// Bytes serializes the header.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], uint32(36+h.DataLength))
	copy(b[8:12], "WAVE")

	copy(b[12:16], "fmt ")
	binary.LittleEndian.PutUint32(b[16:20], 16)
	binary.LittleEndian.PutUint16(b[20:22], FormatPCM)
	binary.LittleEndian.PutUint16(b[22:24], uint16(h.Channels))
	binary.LittleEndian.PutUint32(b[24:28], uint32(h.SampleRate))
	binary.LittleEndian.PutUint32(b[28:32], uint32(h.ByteRate()))
	binary.LittleEndian.PutUint16(b[32:34], uint16(h.BlockAlign()))
	binary.LittleEndian.PutUint16(b[34:36], BitsPerSample)

	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], uint32(h.DataLength))
	return b
}

// ParseHeader reads back a header written by this package.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Header{}, fmt.Errorf("%w: missing chunk tags", ErrInvalidHeader)
	}
	if binary.LittleEndian.Uint16(b[20:22]) != FormatPCM || binary.LittleEndian.Uint16(b[34:36]) != BitsPerSample {
		return Header{}, fmt.Errorf("%w: unsupported format", ErrInvalidHeader)
	}
	h := Header{
		Channels:   int(binary.LittleEndian.Uint16(b[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(b[24:28])),
		DataLength: int(binary.LittleEndian.Uint32(b[40:44])),
	}
	if int(binary.LittleEndian.Uint32(b[4:8])) != 36+h.DataLength {
		return Header{}, fmt.Errorf("%w: riff size does not match data length", ErrInvalidHeader)
	}
	return h, nil
}
