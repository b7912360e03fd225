package mrc

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	im := NewImage(4, 3, 1)
	for i := range im.Data {
		im.Data[i] = float32(i) - 2.5
	}
	im.PixelSize = 1.25

	path := filepath.Join(t.TempDir(), "mic.mrc")
	if err := WriteFile(path, im); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.NX != 4 || got.NY != 3 || got.NZ != 1 {
		t.Fatalf("unexpected dims %dx%dx%d", got.NX, got.NY, got.NZ)
	}
	if math.Abs(got.PixelSize-1.25) > 1e-6 {
		t.Fatalf("pixel size not preserved: %v", got.PixelSize)
	}
	for i := range im.Data {
		if got.Data[i] != im.Data[i] {
			t.Fatalf("pixel %d: got %v want %v", i, got.Data[i], im.Data[i])
		}
	}
	if got.At(1, 2) != im.Data[2*4+1] {
		t.Fatalf("At indexes rows by NX")
	}
}

func TestReadBigEndianInt16(t *testing.T) {
	var hdr [headerSize]byte
	be := binary.BigEndian
	be.PutUint32(hdr[0:], 2)
	be.PutUint32(hdr[4:], 2)
	be.PutUint32(hdr[8:], 1)
	be.PutUint32(hdr[12:], ModeInt16)
	hdr[212], hdr[213] = 0x11, 0x11

	var buf bytes.Buffer
	buf.Write(hdr[:])
	_ = binary.Write(&buf, be, []int16{-3, 7, 1000, -1000})

	im, err := Read(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []float32{-3, 7, 1000, -1000}
	for i, w := range want {
		if im.Data[i] != w {
			t.Fatalf("pixel %d: got %v want %v", i, im.Data[i], w)
		}
	}
	if im.PixelSize != 0 {
		t.Fatalf("expected unknown pixel size, got %v", im.PixelSize)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	if _, err := Read(bytes.NewReader(make([]byte, 100))); err == nil {
		t.Fatalf("expected error for a short header")
	}
	if _, err := Read(bytes.NewReader(make([]byte, headerSize))); err == nil {
		t.Fatalf("expected error for zero dimensions")
	}
}

func TestScaleFourierConstantImage(t *testing.T) {
	im := NewImage(8, 8, 1)
	for i := range im.Data {
		im.Data[i] = 3
	}
	im.PixelSize = 1.5

	out, err := ScaleFourier(im, 2)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if out.NX != 4 || out.NY != 4 {
		t.Fatalf("unexpected size %dx%d", out.NX, out.NY)
	}
	if math.Abs(out.PixelSize-3) > 1e-9 {
		t.Fatalf("pixel size should double, got %v", out.PixelSize)
	}
	for i, v := range out.Data {
		if math.Abs(float64(v)-3) > 1e-4 {
			t.Fatalf("pixel %d: got %v want 3", i, v)
		}
	}
}

func TestScaleFourierPreservesMean(t *testing.T) {
	im := NewImage(6, 4, 1)
	for i := range im.Data {
		im.Data[i] = float32(i % 5)
	}
	_, _, mean, _ := im.Stats()

	for _, factor := range []float64{2, 0.5} {
		out, err := ScaleFourier(im, factor)
		if err != nil {
			t.Fatalf("factor %v: %v", factor, err)
		}
		_, _, got, _ := out.Stats()
		if math.Abs(got-mean) > 1e-4 {
			t.Fatalf("factor %v: mean %v, want %v", factor, got, mean)
		}
	}
}

func TestScaleFourierIdentityAndErrors(t *testing.T) {
	im := NewImage(2, 2, 1)
	im.Data[3] = 9
	out, err := ScaleFourier(im, 1)
	if err != nil {
		t.Fatal(err)
	}
	out.Data[3] = 0
	if im.Data[3] != 9 {
		t.Fatalf("factor 1 must return a copy")
	}
	for _, f := range []float64{0, -2, math.NaN()} {
		if _, err := ScaleFourier(im, f); err == nil {
			t.Fatalf("expected error for factor %v", f)
		}
	}
}

func TestIsMRC(t *testing.T) {
	cases := map[string]bool{
		"a.mrc":  true,
		"b.MRCS": true,
		"c.tif":  false,
		"d":      false,
	}
	for path, want := range cases {
		if got := IsMRC(path); got != want {
			t.Errorf("IsMRC(%q) = %v, want %v", path, got, want)
		}
	}
}
