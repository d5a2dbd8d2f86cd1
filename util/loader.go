package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolact/models/model/preprocess"
)

// ImageFile represents an encoded frame read from disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Image is the encoded image and its format.
	Image preprocess.Image
	// Frame is the number parsed from the trailing digits of the file name, or -1.
	Frame int
}

// LoadDirectoryImageFiles reads all JPEG, PNG and BMP files from a directory.
//
// Files are ordered by frame number. Names without a trailing number (frame -1) sort first, by
// name. Subdirectories and other extensions are skipped.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: One entry per image file.
// - error: If the directory or a file cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read frame directory %s", dir)
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		format, ok := preprocess.FormatFromExtension(ext)
		if !ok {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		files = append(files, ImageFile{
			Path:  path,
			Image: preprocess.Image{Format: format, Data: data},
			Frame: FrameNumber(strings.TrimSuffix(entry.Name(), ext)),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Frame != files[j].Frame {
			return files[i].Frame < files[j].Frame
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// FrameNumber parses the trailing digits of name, so "frame-0042" is 42. It returns -1 when name
// has no trailing digits.
func FrameNumber(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return -1
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return -1
	}
	return n
}
