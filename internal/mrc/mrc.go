// Package mrc reads and writes MRC2014 density images and prepares
// micrographs for goCTF.
package mrc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const headerSize = 1024

// Data modes understood by Read.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// Image is a stack of NZ sections of NX x NY float32 pixels, x fastest.
type Image struct {
	NX, NY, NZ int
	PixelSize  float64 // A/px, 0 when unknown
	Data       []float32
}

// NewImage allocates a zeroed image.
func NewImage(nx, ny, nz int) *Image {
	return &Image{NX: nx, NY: ny, NZ: nz, Data: make([]float32, nx*ny*nz)}
}

// At returns the pixel of section 0 at column x, row y.
func (im *Image) At(x, y int) float32 { return im.Data[y*im.NX+x] }

// Stats returns min, max, mean and rms deviation of the data.
func (im *Image) Stats() (lo, hi, mean, rms float64) {
	if len(im.Data) == 0 {
		return 0, 0, 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum, sumSq float64
	for _, v := range im.Data {
		f := float64(v)
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
		sum += f
		sumSq += f * f
	}
	n := float64(len(im.Data))
	mean = sum / n
	rms = math.Sqrt(math.Max(sumSq/n-mean*mean, 0))
	return lo, hi, mean, rms
}

var errBadHeader = errors.New("not an MRC file")

// Read decodes an MRC image from r.
func Read(r io.Reader) (*Image, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// Machine stamp 0x11 marks big-endian data; 0x44 (or an unset stamp) little-endian.
	var order binary.ByteOrder = binary.LittleEndian
	if hdr[212] == 0x11 {
		order = binary.BigEndian
	}
	word := func(i int) int32 { return int32(order.Uint32(hdr[i*4:])) }
	fword := func(i int) float32 { return math.Float32frombits(order.Uint32(hdr[i*4:])) }

	nx, ny, nz, mode := int(word(0)), int(word(1)), int(word(2)), int(word(3))
	if nx <= 0 || ny <= 0 || nz <= 0 || nx > 1<<16 || ny > 1<<16 || nz > 1<<16 {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d", errBadHeader, nx, ny, nz)
	}
	mx := int(word(7))
	cellA := float64(fword(10))
	next := int(word(23))
	if next > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(next)); err != nil {
			return nil, fmt.Errorf("skip extended header: %w", err)
		}
	}

	im := NewImage(nx, ny, nz)
	if mx > 0 && cellA > 0 {
		im.PixelSize = cellA / float64(mx)
	}

	br := bufio.NewReader(r)
	n := len(im.Data)
	switch mode {
	case ModeInt8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		for i, b := range buf {
			im.Data[i] = float32(int8(b))
		}
	case ModeInt16:
		buf := make([]int16, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		for i, v := range buf {
			im.Data[i] = float32(v)
		}
	case ModeUint16:
		buf := make([]uint16, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		for i, v := range buf {
			im.Data[i] = float32(v)
		}
	case ModeFloat32:
		if err := binary.Read(br, order, im.Data); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported MRC mode %d", mode)
	}
	return im, nil
}

// Write encodes im as a little-endian float32 MRC2014 image.
func Write(w io.Writer, im *Image) error {
	if len(im.Data) != im.NX*im.NY*im.NZ {
		return fmt.Errorf("image data holds %d pixels, expected %d", len(im.Data), im.NX*im.NY*im.NZ)
	}
	var hdr [headerSize]byte
	le := binary.LittleEndian
	put := func(i int, v int32) { le.PutUint32(hdr[i*4:], uint32(v)) }
	putf := func(i int, v float64) { le.PutUint32(hdr[i*4:], math.Float32bits(float32(v))) }

	put(0, int32(im.NX))
	put(1, int32(im.NY))
	put(2, int32(im.NZ))
	put(3, ModeFloat32)
	put(7, int32(im.NX))
	put(8, int32(im.NY))
	put(9, int32(im.NZ))
	apix := im.PixelSize
	if apix <= 0 {
		apix = 1
	}
	putf(10, float64(im.NX)*apix)
	putf(11, float64(im.NY)*apix)
	putf(12, float64(im.NZ)*apix)
	putf(13, 90)
	putf(14, 90)
	putf(15, 90)
	put(16, 1)
	put(17, 2)
	put(18, 3)
	lo, hi, mean, rms := im.Stats()
	putf(19, lo)
	putf(20, hi)
	putf(21, mean)
	put(27, 20140)
	copy(hdr[208:212], "MAP ")
	hdr[212], hdr[213] = 0x44, 0x44
	putf(54, rms)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, le, im.Data); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFile reads the MRC image at path.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	im, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

// WriteFile writes im to path as float32 MRC.
func WriteFile(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, im); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
