package flamingo

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const imageHeaderSize = 40

// ImageHeader is the 40-byte little-endian header that precedes every
// image payload on the image channel (spec.md §3). Only the fields the
// core actually consumes are named; the remaining uint32 slots the wire
// format reserves are kept in Remainder for completeness/diagnostics.
type ImageHeader struct {
	ImageSize       uint32
	ImageWidth      uint32
	ImageHeight     uint32
	HardwareID      uint32
	Remainder       [4]uint32
	StackStartIndex uint32
	StackStopIndex  uint32
}

// DecodeImageHeader parses exactly 40 bytes into an ImageHeader.
func DecodeImageHeader(raw []byte) (ImageHeader, error) {
	if len(raw) != imageHeaderSize {
		return ImageHeader{}, errShortFrame(fmt.Sprintf("image header: want %d bytes, got %d", imageHeaderSize, len(raw)))
	}

	var fields [10]uint32
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fields); err != nil {
		return ImageHeader{}, errShortFrame(err.Error())
	}

	return ImageHeader{
		ImageSize:   fields[0],
		ImageWidth:  fields[1],
		ImageHeight: fields[2],
		HardwareID:  fields[3],
		Remainder: [4]uint32{
			fields[4], fields[5], fields[6], fields[7],
		},
		StackStartIndex: fields[8],
		StackStopIndex:  fields[9],
	}, nil
}

// EncodeImageHeader is the inverse of DecodeImageHeader; used by the test
// harness that plays the microscope's role in session tests.
func EncodeImageHeader(h ImageHeader) []byte {
	fields := [10]uint32{
		h.ImageSize, h.ImageWidth, h.ImageHeight, h.HardwareID,
		h.Remainder[0], h.Remainder[1], h.Remainder[2], h.Remainder[3],
		h.StackStartIndex, h.StackStopIndex,
	}
	var buf bytes.Buffer
	buf.Grow(imageHeaderSize)
	_ = binary.Write(&buf, binary.LittleEndian, fields)
	return buf.Bytes()
}

// Frame2D is a single decoded image, already transposed and flipped per
// the fixed rotation convention spec.md §3 specifies at decode time.
type Frame2D struct {
	Width, Height int
	Pixels        []uint16 // row-major, length Width*Height
}

// At returns the pixel at (x, y) in the post-transform frame.
func (f Frame2D) At(x, y int) uint16 {
	return f.Pixels[y*f.Width+x]
}

// Stack3D is an assembled Z-stack: Planes consecutive Frame2D images sharing
// width/height.
type Stack3D struct {
	Width, Height int
	Planes        []Frame2D
}

// transposeAndFlip applies the fixed rotation convention: pixels are
// transposed then flipped along the new vertical axis. width/height here
// are the *pre*-transform dimensions read off the wire.
func transposeAndFlip(raw []uint16, width, height int) Frame2D {
	out := make([]uint16, width*height)
	// Transposed dimensions: new width = height, new height = width.
	newW, newH := height, width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// Transpose: (x, y) -> (y, x).
			tx, ty := y, x
			// Flip along the new vertical axis: ty -> newH-1-ty.
			fy := newH - 1 - ty
			out[fy*newW+tx] = raw[y*width+x]
		}
	}
	return Frame2D{Width: newW, Height: newH, Pixels: out}
}
