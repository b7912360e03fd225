// Package protocol runs goCTF per-particle CTF refinement over a particle
// set: it groups particles by micrograph, exports coordinate tables, fans the
// goCTF runs out over the pipeline and attaches the refined defocus values.
package protocol

import (
	"errors"
	"fmt"

	"ctfrefine/internal/config"
	"ctfrefine/internal/emdata"
	"ctfrefine/internal/tasks"
)

// Params are the user-facing refinement settings.
type Params struct {
	DownFactor  float64 `json:"down_factor"`
	WindowSize  int     `json:"window_size"`
	LowRes      float64 `json:"low_res"`
	HighRes     float64 `json:"high_res"`
	MinDefocus  float64 `json:"min_defocus"`
	MaxDefocus  float64 `json:"max_defocus"`
	StepDefocus float64 `json:"step_defocus"`
	ApplyShifts bool    `json:"apply_shifts"`
	DoRefine    bool    `json:"do_refine"`
	Threads     int     `json:"threads"`
}

// DefaultParams returns the stock goCTF settings.
func DefaultParams() Params {
	return Params{
		DownFactor:  1,
		WindowSize:  512,
		LowRes:      30,
		HighRes:     5,
		MinDefocus:  5000,
		MaxDefocus:  50000,
		StepDefocus: 500,
		ApplyShifts: false,
		DoRefine:    true,
		Threads:     2,
	}
}

// ParamsFromConfig reads the protocol and processing sections of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	if cfg == nil {
		return DefaultParams()
	}
	pc := cfg.Protocol
	return Params{
		DownFactor:  pc.DownFactor,
		WindowSize:  pc.WindowSize,
		LowRes:      pc.LowRes,
		HighRes:     pc.HighRes,
		MinDefocus:  pc.MinDefocus,
		MaxDefocus:  pc.MaxDefocus,
		StepDefocus: pc.StepDefocus,
		ApplyShifts: pc.ApplyShifts,
		DoRefine:    pc.DoRefine,
		Threads:     cfg.Processing.Threads,
	}
}

func (p Params) goctf() tasks.GoCTFParams {
	return tasks.GoCTFParams{
		DownFactor:  p.DownFactor,
		WindowSize:  p.WindowSize,
		LowRes:      p.LowRes,
		HighRes:     p.HighRes,
		MinDefocus:  p.MinDefocus,
		MaxDefocus:  p.MaxDefocus,
		StepDefocus: p.StepDefocus,
		DoRefine:    p.DoRefine,
	}
}

// Validate checks the parameters alone.
func (p Params) Validate() error {
	var errs []error
	if p.DownFactor <= 0 {
		errs = append(errs, fmt.Errorf("downsampling factor must be positive, got %v", p.DownFactor))
	}
	if p.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("FFT box size must be positive, got %d", p.WindowSize))
	}
	if p.LowRes <= p.HighRes {
		errs = append(errs, fmt.Errorf("low resolution (%v A) must be larger than high resolution (%v A)", p.LowRes, p.HighRes))
	}
	if p.MinDefocus >= p.MaxDefocus {
		errs = append(errs, fmt.Errorf("minimum defocus (%v A) must be smaller than maximum defocus (%v A)", p.MinDefocus, p.MaxDefocus))
	}
	if p.StepDefocus <= 0 {
		errs = append(errs, fmt.Errorf("defocus step must be positive, got %v", p.StepDefocus))
	}
	if p.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", p.Threads))
	}
	return errors.Join(errs...)
}

// Validate checks the parameters against the input sets.
func Validate(p Params, parts *emdata.ParticleSet, mics *emdata.MicrographSet) error {
	errs := []error{p.Validate()}
	switch {
	case parts == nil || parts.Size() == 0:
		errs = append(errs, errors.New("input particle set is empty"))
	case !parts.HasCTF():
		errs = append(errs, errors.New("input particles carry no CTF estimation"))
	case parts.SamplingRate <= 0:
		errs = append(errs, fmt.Errorf("particle sampling rate must be positive, got %v", parts.SamplingRate))
	}
	if mics == nil || len(mics.Micrographs) == 0 {
		errs = append(errs, errors.New("input micrograph set is empty"))
		return errors.Join(errs...)
	}
	if mics.SamplingRate <= 0 {
		errs = append(errs, fmt.Errorf("micrograph sampling rate must be positive, got %v", mics.SamplingRate))
	}
	for _, m := range mics.Micrographs {
		if m.SamplingRate <= 0 {
			errs = append(errs, fmt.Errorf("micrograph %s has no sampling rate", m.MicName))
		}
	}
	if mics.Acquisition.Voltage <= 0 {
		errs = append(errs, fmt.Errorf("micrograph acceleration voltage must be positive, got %v", mics.Acquisition.Voltage))
	}
	return errors.Join(errs...)
}
