package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ctfrefine/internal/mrc"
)

// ConvertRequest defines inputs for micrograph conversion.
type ConvertRequest struct {
	InputPath    string
	OutputPath   string  // float32 MRC written here
	SamplingRate float64 // A/px of the input, used when the file header has none
	DownFactor   float64 // Fourier downsampling factor, 1 keeps the size
}

// ConvertResult captures conversion metadata.
type ConvertResult struct {
	InputFile  string
	OutputFile string
	NX, NY     int
	PixelSize  float64
}

// ConvertMicrograph writes InputPath as a float32 MRC at OutputPath,
// Fourier-cropped by DownFactor when it differs from 1.
func ConvertMicrograph(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	if err := ctx.Err(); err != nil {
		return ConvertResult{}, err
	}
	im, err := mrc.Load(req.InputPath)
	if err != nil {
		return ConvertResult{}, fmt.Errorf("load micrograph: %w", err)
	}
	if req.SamplingRate > 0 {
		im.PixelSize = req.SamplingRate
	}

	factor := req.DownFactor
	if factor == 0 {
		factor = 1
	}
	if factor != 1 {
		if im, err = mrc.ScaleFourier(im, factor); err != nil {
			return ConvertResult{}, fmt.Errorf("downsample micrograph: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return ConvertResult{}, err
	}
	if err := mrc.WriteFile(req.OutputPath, im); err != nil {
		return ConvertResult{}, fmt.Errorf("write converted micrograph: %w", err)
	}
	return ConvertResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		NX:         im.NX,
		NY:         im.NY,
		PixelSize:  im.PixelSize,
	}, nil
}
