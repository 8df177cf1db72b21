// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package imaging wraps image probing, derivative rendering and archive entry
// access behind pure functions. Nothing here touches the document store or
// the broker.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	// Register decoders for image.DecodeConfig and imaging.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/imageviewer/imageviewer/pkg/model"
)

var imageExtensions = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
	".bmp":  "bmp",
	".webp": "webp",
}

var archiveExtensions = map[string]struct{}{
	".zip": {},
	".rar": {},
	".7z":  {},
	".cbz": {},
	".cbr": {},
	".tar": {},
}

// IsSupportedImage reports whether name has a supported image extension.
func IsSupportedImage(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// IsSupportedArchive reports whether name has a supported archive extension.
func IsSupportedArchive(name string) bool {
	_, ok := archiveExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// FormatForName returns the canonical format tag for an image file name, or
// "" when the extension is not supported.
func FormatForName(name string) string {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Info is the result of probing an image header.
type Info struct {
	Width  int
	Height int
	Format string
}

// Probe decodes just enough of data to learn dimensions and format.
func Probe(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("unable to decode image header: %v: %w", err, model.ErrCorrupt)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Rendered is a finished derivative.
type Rendered struct {
	Data   []byte
	Width  int
	Height int
}

// RenderResized decodes src, fits it into (maxW, maxH) preserving aspect
// ratio, and encodes the result as JPEG with the given quality. Images
// already inside the box are re-encoded without resampling.
func RenderResized(src []byte, maxW, maxH, quality int) (Rendered, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Rendered{}, fmt.Errorf("unable to decode image: %v: %w", err, model.ErrCorrupt)
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxW || bounds.Dy() > maxH {
		img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
		bounds = img.Bounds()
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Rendered{}, fmt.Errorf("unable to encode derivative: %v: %w", err, model.ErrTransient)
	}
	return Rendered{Data: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// DataURLPrefix returns the data-URL content-type prefix for a format tag.
func DataURLPrefix(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "data:image/jpeg;base64,"
	case "png":
		return "data:image/png;base64,"
	case "webp":
		return "data:image/webp;base64,"
	case "gif":
		return "data:image/gif;base64,"
	default:
		return "data:application/octet-stream;base64,"
	}
}
