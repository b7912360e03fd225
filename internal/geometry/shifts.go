// Package geometry extracts particle shifts from alignment matrices.
package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"ctfrefine/internal/emdata"
)

// Shifts returns the in-plane translation stored in transform for the given
// alignment type. ok is false when the alignment carries no geometry.
//
// 2D alignments with a mirrored (negative determinant) rotation have their
// first row rotation terms negated; the translation keeps its sign. 3D
// alignments with a mirrored rotation have the whole first row negated,
// which flips the x shift. Projection alignments are inverted first and the
// negated translation of the inverse is returned.
func Shifts(transform *emdata.Transform, align emdata.AlignType) (shifts [3]float64, ok bool, err error) {
	if align == emdata.AlignNone || transform == nil {
		return shifts, false, nil
	}

	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, transform.At(i, j))
		}
	}

	switch align {
	case emdata.Align2D:
		if IsFlipped(m, 2) {
			for j := 0; j < 2; j++ {
				m.Set(0, j, -m.At(0, j))
			}
			m.Set(2, 2, 1)
		}
	case emdata.Align3D:
		if IsFlipped(m, 3) {
			for j := 0; j < 4; j++ {
				m.Set(0, j, -m.At(0, j))
			}
			m.Set(3, 3, 1)
		}
	}

	if align == emdata.AlignProj {
		var inv mat.Dense
		if err := inv.Inverse(m); err != nil {
			return shifts, false, fmt.Errorf("invert projection matrix: %w", err)
		}
		t := translation(&inv)
		return [3]float64{-t[0], -t[1], -t[2]}, true, nil
	}
	return translation(m), true, nil
}

// IsFlipped reports whether the leading n x n rotation block of m has a
// negative determinant.
func IsFlipped(m mat.Matrix, n int) bool {
	sub := mat.DenseCopyOf(m).Slice(0, n, 0, n)
	return mat.Det(sub) < 0
}

func translation(m mat.Matrix) [3]float64 {
	return [3]float64{m.At(0, 3), m.At(1, 3), m.At(2, 3)}
}
