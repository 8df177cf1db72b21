// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package imaging

import (
	"archive/tar"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zip"
	archiver "github.com/mholt/archiver/v3"
	"github.com/nwaples/rardecode"

	"github.com/imageviewer/imageviewer/pkg/model"
)

// Entry is one file inside an archive.
type Entry struct {
	Name string
	Size int64
}

// ListImageEntries opens the archive once and returns its supported image
// entries, sorted case-insensitively by name so reruns enumerate in the same
// order.
func ListImageEntries(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := walkArchive(archivePath, func(name string, size int64, _ io.Reader) error {
		if IsSupportedImage(name) {
			entries = append(entries, Entry{Name: name, Size: size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// ReadEntry returns the bytes of one entry.
func ReadEntry(archivePath, entryName string) ([]byte, error) {
	var data []byte
	found := false
	err := walkArchive(archivePath, func(name string, _ int64, r io.Reader) error {
		if found || name != entryName {
			return nil
		}
		var err error
		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("unable to read archive entry %s: %v: %w", entryName, err, model.ErrCorrupt)
		}
		found = true
		return errStopWalk
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("archive entry %s not found in %s: %w", entryName, archivePath, model.ErrNotFound)
	}
	return data, nil
}

// errStopWalk lets a visit callback end the walk early without raising an
// error.
var errStopWalk = fmt.Errorf("stop walk")

// walkArchive visits every regular file in the archive. CBZ/CBR are plain
// zip/rar with a different extension; 7z goes through its own reader since
// archiver cannot read it. A visit returning errStopWalk ends the walk
// cleanly.
func walkArchive(archivePath string, visit func(name string, size int64, r io.Reader) error) error {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip", ".cbz":
		return walkWith(archiver.NewZip(), archivePath, visit)
	case ".rar", ".cbr":
		return walkWith(archiver.NewRar(), archivePath, visit)
	case ".tar":
		return walkWith(archiver.NewTar(), archivePath, visit)
	case ".7z":
		return walk7z(archivePath, visit)
	default:
		return fmt.Errorf("unsupported archive %s: %w", archivePath, model.ErrValidation)
	}
}

func walkWith(w archiver.Walker, archivePath string, visit func(string, int64, io.Reader) error) error {
	err := w.Walk(archivePath, func(f archiver.File) error {
		if f.IsDir() {
			return nil
		}
		if err := visit(entryName(f), f.Size(), f); err != nil {
			if err == errStopWalk {
				return archiver.ErrStopWalk
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to read archive %s: %v: %w", archivePath, err, model.ErrCorrupt)
	}
	return nil
}

// entryName recovers the full path inside the archive; archiver's FileInfo
// only carries the base name. archiver walks zips with klauspost's reader, so
// the header is that package's FileHeader, not the stdlib's.
func entryName(f archiver.File) string {
	switch h := f.Header.(type) {
	case zip.FileHeader:
		return h.Name
	case *tar.Header:
		return h.Name
	case *rardecode.FileHeader:
		return h.Name
	default:
		return f.Name()
	}
}

func walk7z(archivePath string, visit func(string, int64, io.Reader) error) error {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("unable to read archive %s: %v: %w", archivePath, err, model.ErrCorrupt)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("unable to open entry %s in %s: %v: %w", f.Name, archivePath, err, model.ErrCorrupt)
		}
		visitErr := visit(f.Name, int64(f.UncompressedSize), rc)
		rc.Close()
		if visitErr == errStopWalk {
			return nil
		}
		if visitErr != nil {
			return visitErr
		}
	}
	return nil
}
