package mrc

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ScaleFourier resamples every section of im by 1/factor in Fourier space.
// factor > 1 downsamples (crops high frequencies), factor < 1 pads with
// zeros. The mean density is preserved and the pixel size grows with the
// effective scale.
func ScaleFourier(im *Image, factor float64) (*Image, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, fmt.Errorf("invalid scale factor %v", factor)
	}
	if factor == 1 {
		out := NewImage(im.NX, im.NY, im.NZ)
		out.PixelSize = im.PixelSize
		copy(out.Data, im.Data)
		return out, nil
	}

	nx := max(1, int(math.Round(float64(im.NX)/factor)))
	ny := max(1, int(math.Round(float64(im.NY)/factor)))
	out := NewImage(nx, ny, im.NZ)
	out.PixelSize = im.PixelSize * float64(im.NX) / float64(nx)

	in, res := im.NX*im.NY, nx*ny
	norm := 1 / float64(in)
	for z := 0; z < im.NZ; z++ {
		ft := fft2(im.Data[z*in:(z+1)*in], im.NX, im.NY)
		crop := resample(ft, im.NX, im.NY, nx, ny)
		back := ifft2(crop, nx, ny)
		dst := out.Data[z*res : (z+1)*res]
		for i, c := range back {
			dst[i] = float32(real(c) * norm)
		}
	}
	return out, nil
}

func fft2(data []float32, nx, ny int) []complex128 {
	buf := make([]complex128, nx*ny)
	for i, v := range data {
		buf[i] = complex(float64(v), 0)
	}
	transformRows(buf, nx, ny, fourier.NewCmplxFFT(nx).Coefficients)
	transformCols(buf, nx, ny, fourier.NewCmplxFFT(ny).Coefficients)
	return buf
}

func ifft2(buf []complex128, nx, ny int) []complex128 {
	transformRows(buf, nx, ny, fourier.NewCmplxFFT(nx).Sequence)
	transformCols(buf, nx, ny, fourier.NewCmplxFFT(ny).Sequence)
	return buf
}

type transformFunc func(dst, src []complex128) []complex128

func transformRows(buf []complex128, nx, ny int, f transformFunc) {
	for y := 0; y < ny; y++ {
		row := buf[y*nx : (y+1)*nx]
		f(row, row)
	}
}

func transformCols(buf []complex128, nx, ny int, f transformFunc) {
	col := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			col[y] = buf[y*nx+x]
		}
		f(col, col)
		for y := 0; y < ny; y++ {
			buf[y*nx+x] = col[y]
		}
	}
}

// resample copies the frequencies shared by both grids; the rest are zero.
func resample(ft []complex128, nx, ny, mx, my int) []complex128 {
	out := make([]complex128, mx*my)
	for ky := 0; ky < my; ky++ {
		oy, ok := sourceIndex(ky, my, ny)
		if !ok {
			continue
		}
		for kx := 0; kx < mx; kx++ {
			ox, ok := sourceIndex(kx, mx, nx)
			if !ok {
				continue
			}
			out[ky*mx+kx] = ft[oy*nx+ox]
		}
	}
	return out
}

// sourceIndex maps index k of an m-point spectrum to the index holding the
// same signed frequency in an n-point spectrum.
func sourceIndex(k, m, n int) (int, bool) {
	f := k
	if k >= (m+1)/2 {
		f = k - m
	}
	if f < -(n/2) || f > (n-1)/2 {
		return 0, false
	}
	if f < 0 {
		f += n
	}
	return f, true
}
