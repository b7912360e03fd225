package tasks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"ctfrefine/internal/emdata"
	"ctfrefine/internal/fsutil"
)

// GoCTFParams are the goCTF search settings shared by every micrograph.
type GoCTFParams struct {
	DownFactor  float64
	WindowSize  int
	LowRes      float64
	HighRes     float64
	MinDefocus  float64
	MaxDefocus  float64
	StepDefocus float64
	DoRefine    bool
}

// RefineRequest describes one goCTF run.
type RefineRequest struct {
	Micrograph  emdata.Micrograph
	Acquisition emdata.Acquisition
	WorkDir     string // <tmp>/<micBase>, holds <micBase>_go.star
	Params      GoCTFParams
	NoClean     bool
}

// RefineResult points at the files a goCTF run produced.
type RefineResult struct {
	MicName    string
	WorkDir    string
	Converted  string
	PSD        string
	LogFile    string
	OutputStar string
	Duration   time.Duration
}

// Refiner runs goCTF on single micrographs.
type Refiner struct {
	tools   *ToolManager
	logger  *slog.Logger
	convert func(context.Context, ConvertRequest) (ConvertResult, error)
}

// NewRefiner returns a refiner that launches the program located by tools.
func NewRefiner(tools *ToolManager, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{tools: tools, logger: logger, convert: ConvertMicrograph}
}

// CoordinatesFile returns the coordinate table path goCTF expects for mic.
func CoordinatesFile(workDir, micBase string) string {
	return filepath.Join(workDir, micBase+"_go.star")
}

// OutputFile returns the refined CTF table path goCTF writes for mic.
func OutputFile(workDir, micBase string) string {
	return filepath.Join(workDir, micBase+"_goCTF.star")
}

// ParamBlock renders the answers goCTF reads from stdin, one per line.
func ParamBlock(micFn, psdFn string, samplingRate float64, acq emdata.Acquisition, p GoCTFParams) string {
	refine := "no"
	if p.DoRefine {
		refine = "yes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", micFn)
	fmt.Fprintf(&b, "%s\n", psdFn)
	fmt.Fprintf(&b, "%f\n", samplingRate)
	fmt.Fprintf(&b, "%f\n", acq.Voltage)
	fmt.Fprintf(&b, "%f\n", acq.SphericalAberration)
	fmt.Fprintf(&b, "%f\n", acq.AmplitudeContrast)
	fmt.Fprintf(&b, "%d\n", p.WindowSize)
	fmt.Fprintf(&b, "%f\n", p.LowRes)
	fmt.Fprintf(&b, "%f\n", p.HighRes)
	fmt.Fprintf(&b, "%f\n", p.MinDefocus)
	fmt.Fprintf(&b, "%f\n", p.MaxDefocus)
	fmt.Fprintf(&b, "%f\n", p.StepDefocus)
	fmt.Fprintf(&b, "%s\n", refine)
	return b.String()
}

// Refine converts the micrograph into the work directory and runs goCTF on
// it. The converted image is removed afterwards unless NoClean is set.
func (r *Refiner) Refine(ctx context.Context, req RefineRequest) (RefineResult, error) {
	start := time.Now()
	mic := req.Micrograph
	if !fsutil.Exists(mic.FileName) {
		return RefineResult{}, fmt.Errorf("missing input micrograph %s: %w", mic.FileName, os.ErrNotExist)
	}

	micBase := fsutil.RemoveBaseExt(mic.FileName)
	res := RefineResult{
		MicName:    mic.MicName,
		WorkDir:    req.WorkDir,
		Converted:  filepath.Join(req.WorkDir, fsutil.ReplaceBaseExt(mic.FileName, ".mrc")),
		PSD:        fsutil.ReplaceBaseExt(mic.FileName, "_ctf.mrc"),
		LogFile:    filepath.Join(req.WorkDir, fsutil.ReplaceBaseExt(mic.FileName, "_ctf.log")),
		OutputStar: OutputFile(req.WorkDir, micBase),
	}
	if err := fsutil.MakePath(req.WorkDir); err != nil {
		return res, err
	}

	downFactor := req.Params.DownFactor
	if downFactor == 0 {
		downFactor = 1
	}
	if _, err := r.convert(ctx, ConvertRequest{
		InputPath:    mic.FileName,
		OutputPath:   res.Converted,
		SamplingRate: mic.SamplingRate,
		DownFactor:   downFactor,
	}); err != nil {
		return res, fmt.Errorf("convert %s: %w", mic.FileName, err)
	}
	if !req.NoClean {
		defer func() {
			if err := fsutil.CleanPath(res.Converted); err != nil {
				r.logger.Warn("Failed to remove converted micrograph", "path", res.Converted, "error", err)
			}
		}()
	}

	block := ParamBlock(filepath.Base(res.Converted), res.PSD, mic.SamplingRate*downFactor, req.Acquisition, req.Params)
	if err := r.run(ctx, req.WorkDir, block, res.LogFile); err != nil {
		r.logger.Error("goCTF has failed on "+res.Converted, "error", err)
		return res, fmt.Errorf("goCTF has failed on %s: %w", res.Converted, err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Refiner) run(ctx context.Context, dir, stdin, logFile string) error {
	out, err := os.Create(logFile)
	if err != nil {
		return err
	}
	defer out.Close()

	var stderr bytes.Buffer
	program := r.tools.Program()
	cmd := exec.CommandContext(ctx, program)
	cmd.Dir = dir
	cmd.Env = r.tools.Environ()
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	r.logger.Debug("Running goCTF", "program", program, "dir", dir)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
