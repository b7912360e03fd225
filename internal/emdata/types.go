// Package emdata holds the cryo-EM records ctfrefine works on and the
// sqlite set files they are persisted in.
package emdata

import (
	"fmt"
	"math"
	"strings"
)

// AlignType tells how particle transforms must be interpreted.
type AlignType string

const (
	AlignNone AlignType = "none"
	Align2D   AlignType = "2D"
	Align3D   AlignType = "3D"
	AlignProj AlignType = "projection"
)

// ParseAlignType accepts the canonical names plus a few common spellings.
func ParseAlignType(s string) (AlignType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AlignNone, nil
	case "2d":
		return Align2D, nil
	case "3d":
		return Align3D, nil
	case "projection", "proj":
		return AlignProj, nil
	}
	return AlignNone, fmt.Errorf("unknown alignment type %q", s)
}

// Acquisition holds the microscope settings shared by a micrograph set.
type Acquisition struct {
	Voltage             float64 // kV
	SphericalAberration float64 // mm
	AmplitudeContrast   float64
}

// Micrograph is a single wide-field image.
type Micrograph struct {
	ID           int64
	MicName      string
	FileName     string
	SamplingRate float64 // A/px
}

// Coordinate places a particle on its micrograph.
type Coordinate struct {
	X, Y    float64
	MicName string
}

// Transform is a 4x4 row-major homogeneous matrix.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Shift2D returns a transform translating by (x, y).
func Shift2D(x, y float64) Transform {
	t := Identity()
	t[3], t[7] = x, y
	return t
}

// At returns the element at row i, column j.
func (t Transform) At(i, j int) float64 { return t[i*4+j] }

// Particle is a picked molecule image with its CTF.
type Particle struct {
	ID         int64
	MicID      int64
	Coordinate Coordinate
	Transform  *Transform
	CTF        CTFModel
}

// CTFModel holds the defocus description of a particle. Refined is set once
// the refinement wrote the defocus values.
type CTFModel struct {
	DefocusU     float64
	DefocusV     float64
	DefocusAngle float64
	DefocusRatio float64
	Refined      bool
}

// HasDefocus reports whether the model carries any defocus value.
func (c CTFModel) HasDefocus() bool {
	return c.DefocusU != 0 || c.DefocusV != 0
}

// SetDefocus assigns the three defocus values, standardizes them and marks
// the model refined.
func (c *CTFModel) SetDefocus(u, v, angle float64) {
	c.DefocusU = u
	c.DefocusV = v
	c.DefocusAngle = angle
	c.Standardize()
	c.Refined = true
}

// Standardize enforces DefocusU >= DefocusV, 0 <= DefocusAngle < 180 and
// recomputes DefocusRatio.
func (c *CTFModel) Standardize() {
	if c.DefocusV > c.DefocusU {
		c.DefocusU, c.DefocusV = c.DefocusV, c.DefocusU
		c.DefocusAngle += 90
	}
	c.DefocusAngle = math.Mod(c.DefocusAngle, 180)
	if c.DefocusAngle < 0 {
		c.DefocusAngle += 180
	}
	if c.DefocusV != 0 {
		c.DefocusRatio = c.DefocusU / c.DefocusV
	}
}
