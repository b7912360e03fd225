package emdata

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Set kinds stored under the "kind" property.
const (
	KindMicrographs = "micrographs"
	KindParticles   = "particles"
)

// MicrographSet is a set of micrographs sharing sampling and acquisition.
type MicrographSet struct {
	Path         string
	SamplingRate float64
	Acquisition  Acquisition
	Micrographs  []Micrograph
}

// ParticleSet is a set of particles. Particles are kept ordered by
// (MicID, ID).
type ParticleSet struct {
	Path         string
	SamplingRate float64
	Alignment    AlignType
	Acquisition  Acquisition
	Source       string // set this one was derived from, if any
	Particles    []Particle
}

// Size returns the number of particles.
func (s *ParticleSet) Size() int { return len(s.Particles) }

// HasCTF reports whether every particle carries a defocus estimate.
func (s *ParticleSet) HasCTF() bool {
	if len(s.Particles) == 0 {
		return false
	}
	for _, p := range s.Particles {
		if !p.CTF.HasDefocus() {
			return false
		}
	}
	return true
}

// CopyInfo returns an empty set with the same metadata as s.
func (s *ParticleSet) CopyInfo() *ParticleSet {
	return &ParticleSet{
		SamplingRate: s.SamplingRate,
		Alignment:    s.Alignment,
		Acquisition:  s.Acquisition,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS properties (
            key TEXT PRIMARY KEY,
            value TEXT
        );`,
	`CREATE TABLE IF NOT EXISTS micrographs (
            id INTEGER PRIMARY KEY,
            mic_name TEXT NOT NULL,
            file_name TEXT NOT NULL,
            sampling_rate REAL
        );`,
	`CREATE TABLE IF NOT EXISTS particles (
            id INTEGER PRIMARY KEY,
            mic_id INTEGER NOT NULL,
            mic_name TEXT,
            coord_x REAL,
            coord_y REAL,
            transform TEXT,
            defocus_u REAL,
            defocus_v REAL,
            defocus_angle REAL,
            defocus_ratio REAL,
            ctf_refined INTEGER DEFAULT 0
        );`,
	`CREATE INDEX IF NOT EXISTS idx_particles_mic ON particles(mic_id, id);`,
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("set file %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open set %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("set %s ping failed: %w", path, err)
	}
	return db, nil
}

// createFresh replaces any file at path with an empty set database.
func createFresh(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func readProperties(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM properties;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	props := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		props[k] = v.String
	}
	return props, rows.Err()
}

func writeProperties(tx *sql.Tx, props map[string]string) error {
	for k, v := range props {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO properties (key, value) VALUES (?, ?);`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func propFloat(props map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(props[key], 64)
	if err != nil {
		return 0
	}
	return v
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func acquisitionProps(acq Acquisition, props map[string]string) {
	props["voltage"] = fmtFloat(acq.Voltage)
	props["spherical_aberration"] = fmtFloat(acq.SphericalAberration)
	props["amplitude_contrast"] = fmtFloat(acq.AmplitudeContrast)
}

func acquisitionFrom(props map[string]string) Acquisition {
	return Acquisition{
		Voltage:             propFloat(props, "voltage"),
		SphericalAberration: propFloat(props, "spherical_aberration"),
		AmplitudeContrast:   propFloat(props, "amplitude_contrast"),
	}
}

func checkKind(props map[string]string, want, path string) error {
	if kind := props["kind"]; kind != "" && kind != want {
		return fmt.Errorf("%s holds a set of %s, expected %s", path, kind, want)
	}
	return nil
}

// ReadMicrographSet loads a micrograph set file.
func ReadMicrographSet(path string) (*MicrographSet, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	props, err := readProperties(db)
	if err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", path, err)
	}
	if err := checkKind(props, KindMicrographs, path); err != nil {
		return nil, err
	}
	set := &MicrographSet{
		Path:         path,
		SamplingRate: propFloat(props, "sampling_rate"),
		Acquisition:  acquisitionFrom(props),
	}

	rows, err := db.Query(`SELECT id, mic_name, file_name, sampling_rate FROM micrographs ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("read micrographs of %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Micrograph
		var sr sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.MicName, &m.FileName, &sr); err != nil {
			return nil, err
		}
		m.SamplingRate = set.SamplingRate
		if sr.Valid && sr.Float64 > 0 {
			m.SamplingRate = sr.Float64
		}
		m.FileName = resolveRelative(path, m.FileName)
		set.Micrographs = append(set.Micrographs, m)
	}
	return set, rows.Err()
}

// WriteMicrographSet stores set at path, replacing any existing file.
func WriteMicrographSet(path string, set *MicrographSet) error {
	db, err := createFresh(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	props := map[string]string{
		"kind":          KindMicrographs,
		"sampling_rate": fmtFloat(set.SamplingRate),
	}
	acquisitionProps(set.Acquisition, props)
	if err := writeProperties(tx, props); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO micrographs (id, mic_name, file_name, sampling_rate) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, m := range set.Micrographs {
		if _, err := stmt.Exec(m.ID, m.MicName, m.FileName, m.SamplingRate); err != nil {
			return fmt.Errorf("insert micrograph %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ReadParticleSet loads a particle set file ordered by micrograph id then
// particle id.
func ReadParticleSet(path string) (*ParticleSet, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	props, err := readProperties(db)
	if err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", path, err)
	}
	if err := checkKind(props, KindParticles, path); err != nil {
		return nil, err
	}
	align, err := ParseAlignType(props["alignment"])
	if err != nil {
		return nil, err
	}
	set := &ParticleSet{
		Path:         path,
		SamplingRate: propFloat(props, "sampling_rate"),
		Alignment:    align,
		Acquisition:  acquisitionFrom(props),
		Source:       props["source"],
	}

	rows, err := db.Query(`SELECT id, mic_id, mic_name, coord_x, coord_y, transform,
            defocus_u, defocus_v, defocus_angle, defocus_ratio, ctf_refined
        FROM particles ORDER BY mic_id, id;`)
	if err != nil {
		return nil, fmt.Errorf("read particles of %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Particle
		var micName, transform sql.NullString
		var u, v, angle, ratio sql.NullFloat64
		var refined sql.NullInt64
		if err := rows.Scan(&p.ID, &p.MicID, &micName, &p.Coordinate.X, &p.Coordinate.Y, &transform,
			&u, &v, &angle, &ratio, &refined); err != nil {
			return nil, err
		}
		p.Coordinate.MicName = micName.String
		if transform.Valid && transform.String != "" {
			t, err := ParseTransform(transform.String)
			if err != nil {
				return nil, fmt.Errorf("particle %d: %w", p.ID, err)
			}
			p.Transform = &t
		}
		p.CTF = CTFModel{
			DefocusU:     u.Float64,
			DefocusV:     v.Float64,
			DefocusAngle: angle.Float64,
			DefocusRatio: ratio.Float64,
			Refined:      refined.Int64 != 0,
		}
		set.Particles = append(set.Particles, p)
	}
	return set, rows.Err()
}

// WriteParticleSet stores set at path, replacing any existing file.
func WriteParticleSet(path string, set *ParticleSet) error {
	db, err := createFresh(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	props := map[string]string{
		"kind":          KindParticles,
		"sampling_rate": fmtFloat(set.SamplingRate),
		"alignment":     string(set.Alignment),
		"source":        set.Source,
	}
	acquisitionProps(set.Acquisition, props)
	if err := writeProperties(tx, props); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO particles (id, mic_id, mic_name, coord_x, coord_y, transform,
            defocus_u, defocus_v, defocus_angle, defocus_ratio, ctf_refined)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range set.Particles {
		var transform any
		if p.Transform != nil {
			transform = p.Transform.String()
		}
		refined := 0
		if p.CTF.Refined {
			refined = 1
		}
		if _, err := stmt.Exec(p.ID, p.MicID, p.Coordinate.MicName, p.Coordinate.X, p.Coordinate.Y, transform,
			p.CTF.DefocusU, p.CTF.DefocusV, p.CTF.DefocusAngle, p.CTF.DefocusRatio, refined); err != nil {
			return fmt.Errorf("insert particle %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// String encodes the matrix as 16 space separated numbers.
func (t Transform) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = fmtFloat(v)
	}
	return strings.Join(parts, " ")
}

// ParseTransform decodes the String form of a Transform.
func ParseTransform(s string) (Transform, error) {
	var t Transform
	fields := strings.Fields(s)
	if len(fields) != len(t) {
		return t, fmt.Errorf("transform needs %d values, got %d", len(t), len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return t, fmt.Errorf("transform value %d: %w", i, err)
		}
		t[i] = v
	}
	return t, nil
}

// resolveRelative interprets relative micrograph paths against the set's
// directory.
func resolveRelative(setPath, file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(setPath), file)
}
