package mrc

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// IsMRC reports whether path names an MRC file by extension.
func IsMRC(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".mrcs", ".st", ".map":
		return true
	}
	return false
}

// Load reads a micrograph from path. MRC files are decoded natively; other
// formats (TIFF, DM4, PNG...) go through ImageMagick and are returned as a
// single grayscale section.
func Load(path string) (*Image, error) {
	if IsMRC(path) {
		return ReadFile(path)
	}
	return importMagick(path)
}

func importMagick(path string) (*Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image %s is empty", path)
	}
	px, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels of %s: %w", path, err)
	}
	data, ok := px.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer %T for %s", px, path)
	}
	im := NewImage(int(w), int(h), 1)
	copy(im.Data, data)
	return im, nil
}
