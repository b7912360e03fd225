// Package star reads and writes the small STAR tables exchanged with goCTF.
package star

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column labels used by the coordinate and refined CTF tables.
const (
	LabelCoordinateX  = "rlnCoordinateX"
	LabelCoordinateY  = "rlnCoordinateY"
	LabelDefocusU     = "rlnDefocusU"
	LabelDefocusV     = "rlnDefocusV"
	LabelDefocusAngle = "rlnDefocusAngle"
)

// CTFLabels are the columns the refinement output must carry.
var CTFLabels = []string{LabelDefocusU, LabelDefocusV, LabelDefocusAngle}

const coordinatesHeader = `
data_

loop_
_rlnCoordinateX #1
_rlnCoordinateY #2
_rlnDefocusU #3
_rlnDefocusV #4
_rlnDefocusAngle #5
`

// CoordinatesWriter writes one micrograph's coordinates and CTF rows.
type CoordinatesWriter struct {
	f    *os.File
	w    *bufio.Writer
	rows int
}

// NewCoordinatesWriter creates filename (and its directory) and writes the
// table header.
func NewCoordinatesWriter(filename string) (*CoordinatesWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	cw := &CoordinatesWriter{f: f, w: bufio.NewWriter(f)}
	if _, err := cw.w.WriteString(coordinatesHeader); err != nil {
		f.Close()
		return nil, err
	}
	return cw, nil
}

// WriteRow appends one particle row.
func (cw *CoordinatesWriter) WriteRow(x, y, defU, defV, defAngle float64) error {
	cw.rows++
	_, err := fmt.Fprintf(cw.w, "%.2f %.2f %.2f %.2f %.2f\n", x, y, defU, defV, defAngle)
	return err
}

// Rows returns how many rows were written.
func (cw *CoordinatesWriter) Rows() int { return cw.rows }

// Close flushes and closes the file. It is safe to call more than once.
func (cw *CoordinatesWriter) Close() error {
	if cw.f == nil {
		return nil
	}
	err := cw.w.Flush()
	if cerr := cw.f.Close(); err == nil {
		err = cerr
	}
	cw.f = nil
	return err
}

// Table is one data block of a STAR file.
type Table struct {
	Name   string
	Labels []string
	Rows   []Row
}

// Row maps labels to raw values.
type Row map[string]string

// ContainsAll reports whether every label is present in the row.
func (r Row) ContainsAll(labels ...string) bool {
	for _, l := range labels {
		if _, ok := r[l]; !ok {
			return false
		}
	}
	return true
}

// Float parses the value under label.
func (r Row) Float(label string) (float64, error) {
	v, ok := r[label]
	if !ok {
		return 0, fmt.Errorf("missing label %s", label)
	}
	return strconv.ParseFloat(v, 64)
}

// Read parses every data block from rd. Loop blocks yield one Row per data
// line; a data line with fewer values than labels yields a Row holding only
// the leading labels. Key/value blocks yield a single Row. A loop ends at the
// next data_, loop_ or label line; blank lines inside it are skipped.
func Read(rd io.Reader) ([]Table, error) {
	var (
		tables  []Table
		cur     *Table
		inLoop  bool
		inLabel bool
	)
	flush := func() {
		if cur != nil {
			tables = append(tables, *cur)
		}
	}

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "data_"):
			flush()
			cur = &Table{Name: strings.TrimPrefix(line, "data_")}
			inLoop, inLabel = false, false
		case line == "loop_":
			switch {
			case cur == nil:
				cur = &Table{}
			case len(cur.Labels) > 0:
				flush()
				cur = &Table{Name: cur.Name}
			}
			inLoop, inLabel = true, true
		case strings.HasPrefix(line, "_"):
			if cur == nil {
				cur = &Table{}
			}
			fields := strings.Fields(line)
			label := strings.TrimPrefix(fields[0], "_")
			if inLoop && inLabel {
				cur.Labels = append(cur.Labels, label)
				continue
			}
			if inLoop {
				// A label after loop data closes the loop; the items that
				// follow form a key/value table of the same block.
				flush()
				cur = &Table{Name: cur.Name}
				inLoop = false
			}
			// key/value block
			cur.Labels = append(cur.Labels, label)
			if len(cur.Rows) == 0 {
				cur.Rows = append(cur.Rows, Row{})
			}
			if len(fields) > 1 {
				cur.Rows[0][label] = fields[1]
			}
		default:
			if cur == nil || !inLoop {
				return nil, fmt.Errorf("line %d: data outside of a loop", lineNo)
			}
			inLabel = false
			fields := strings.Fields(line)
			row := make(Row, len(cur.Labels))
			for i, label := range cur.Labels {
				if i >= len(fields) {
					break
				}
				row[label] = fields[i]
			}
			cur.Rows = append(cur.Rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return tables, nil
}

// ReadFile parses the STAR file at path.
func ReadFile(path string) ([]Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tables, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tables, nil
}

// ReadRows returns the rows of the first data block holding rows.
func ReadRows(path string) ([]Row, error) {
	tables, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if len(t.Rows) > 0 {
			return t.Rows, nil
		}
	}
	return nil, nil
}
