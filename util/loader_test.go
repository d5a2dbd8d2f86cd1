package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolact/models/model/preprocess"
)

func TestLoadDirectoryImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.jpg", "frame-2.png", "cover.bmp", "notes.txt", "frame-1.JPEG"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "frame-3.png"), 0o755))

	files, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 4)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{"cover.bmp", "frame-1.JPEG", "frame-2.png", "frame-10.jpg"}, names)

	assert.Equal(t, -1, files[0].Frame)
	assert.Equal(t, preprocess.ImageFormatBMP, files[0].Image.Format)
	assert.Equal(t, preprocess.ImageFormatJPEG, files[1].Image.Format)
	assert.Equal(t, []byte("frame-10.jpg"), files[3].Image.Data)

	_, err = LoadDirectoryImageFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFrameNumber(t *testing.T) {
	assert.Equal(t, 42, FrameNumber("frame-0042"))
	assert.Equal(t, 7, FrameNumber("7"))
	assert.Equal(t, -1, FrameNumber("cover"))
	assert.Equal(t, -1, FrameNumber(""))
}
