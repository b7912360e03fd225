package emdata

import (
	"math"
	"path/filepath"
	"testing"
)

func TestStandardizeSwapsAndFoldsAngle(t *testing.T) {
	cases := []struct {
		name      string
		in        CTFModel
		wantU     float64
		wantV     float64
		wantAngle float64
	}{
		{"already standard", CTFModel{DefocusU: 20000, DefocusV: 19000, DefocusAngle: 45}, 20000, 19000, 45},
		{"swap", CTFModel{DefocusU: 19000, DefocusV: 20000, DefocusAngle: 45}, 20000, 19000, 135},
		{"swap wraps", CTFModel{DefocusU: 100, DefocusV: 200, DefocusAngle: 170}, 200, 100, 80},
		{"negative angle", CTFModel{DefocusU: 200, DefocusV: 100, DefocusAngle: -30}, 200, 100, 150},
		{"exactly 180", CTFModel{DefocusU: 200, DefocusV: 100, DefocusAngle: 180}, 200, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.in
			c.Standardize()
			if c.DefocusU != tc.wantU || c.DefocusV != tc.wantV {
				t.Fatalf("got U=%v V=%v", c.DefocusU, c.DefocusV)
			}
			if math.Abs(c.DefocusAngle-tc.wantAngle) > 1e-9 {
				t.Fatalf("got angle %v, want %v", c.DefocusAngle, tc.wantAngle)
			}
			if math.Abs(c.DefocusRatio-tc.wantU/tc.wantV) > 1e-9 {
				t.Fatalf("bad ratio %v", c.DefocusRatio)
			}
		})
	}
}

func TestSetDefocusMarksRefined(t *testing.T) {
	var c CTFModel
	c.SetDefocus(15000, 14000, 30)
	if !c.Refined || c.DefocusU != 15000 || c.DefocusAngle != 30 {
		t.Fatalf("unexpected model %+v", c)
	}
}

func TestParseAlignType(t *testing.T) {
	for in, want := range map[string]AlignType{"": AlignNone, "2D": Align2D, "3d": Align3D, "proj": AlignProj} {
		got, err := ParseAlignType(in)
		if err != nil || got != want {
			t.Fatalf("ParseAlignType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseAlignType("sideways"); err == nil {
		t.Fatalf("expected error for unknown alignment")
	}
}

func TestTransformStringRoundTrip(t *testing.T) {
	tr := Shift2D(12.5, -3)
	got, err := ParseTransform(tr.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got != tr {
		t.Fatalf("got %v want %v", got, tr)
	}
	if _, err := ParseTransform("1 2 3"); err == nil {
		t.Fatalf("expected error for short transform")
	}
}

func TestParticleSetFileOrdersByMicrograph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "particles.sqlite")
	shift := Shift2D(4, 5)
	in := &ParticleSet{
		SamplingRate: 1.31,
		Alignment:    Align2D,
		Acquisition:  Acquisition{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.1},
		Source:       "input.sqlite",
		Particles: []Particle{
			{ID: 3, MicID: 2, Coordinate: Coordinate{X: 30, Y: 31, MicName: "m2"}, CTF: CTFModel{DefocusU: 2, DefocusV: 1}},
			{ID: 1, MicID: 1, Coordinate: Coordinate{X: 10, Y: 11, MicName: "m1"}, Transform: &shift, CTF: CTFModel{DefocusU: 2, DefocusV: 1, Refined: true}},
			{ID: 2, MicID: 1, Coordinate: Coordinate{X: 20, Y: 21, MicName: "m1"}, CTF: CTFModel{DefocusU: 2, DefocusV: 1}},
		},
	}
	if err := WriteParticleSet(path, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out, err := ReadParticleSet(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out.Size() != 3 {
		t.Fatalf("expected 3 particles, got %d", out.Size())
	}
	wantIDs := []int64{1, 2, 3}
	for i, p := range out.Particles {
		if p.ID != wantIDs[i] {
			t.Fatalf("position %d: got id %d, want %d", i, p.ID, wantIDs[i])
		}
	}
	if out.Particles[0].Transform == nil || *out.Particles[0].Transform != shift {
		t.Fatalf("transform not preserved: %v", out.Particles[0].Transform)
	}
	if out.Particles[1].Transform != nil {
		t.Fatalf("expected nil transform")
	}
	if !out.Particles[0].CTF.Refined || out.Particles[1].CTF.Refined {
		t.Fatalf("refined flag not preserved")
	}
	if out.Alignment != Align2D || out.Source != "input.sqlite" || out.Acquisition.Voltage != 300 {
		t.Fatalf("properties not preserved: %+v", out)
	}
	if !out.HasCTF() {
		t.Fatalf("expected set to have CTF")
	}
}

func TestMicrographSetFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mics.sqlite")
	in := &MicrographSet{
		SamplingRate: 1.31,
		Acquisition:  Acquisition{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.07},
		Micrographs: []Micrograph{
			{ID: 1, MicName: "m1", FileName: "m1.mrc"},
			{ID: 2, MicName: "m2", FileName: filepath.Join(dir, "abs", "m2.mrc"), SamplingRate: 0.9},
		},
	}
	if err := WriteMicrographSet(path, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out, err := ReadMicrographSet(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(out.Micrographs) != 2 {
		t.Fatalf("expected 2 micrographs, got %d", len(out.Micrographs))
	}
	if out.Micrographs[0].FileName != filepath.Join(dir, "m1.mrc") {
		t.Fatalf("relative path not resolved: %s", out.Micrographs[0].FileName)
	}
	if out.Micrographs[0].SamplingRate != 1.31 || out.Micrographs[1].SamplingRate != 0.9 {
		t.Fatalf("sampling rates: %+v", out.Micrographs)
	}
	if out.Acquisition.AmplitudeContrast != 0.07 {
		t.Fatalf("acquisition lost: %+v", out.Acquisition)
	}

	if _, err := ReadParticleSet(path); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}
