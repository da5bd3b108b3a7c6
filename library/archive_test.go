package library

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for name, data := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func TestImportArchiveZip(t *testing.T) {
	service, _ := newTestService(t)

	archive := buildZip(t, map[string][]byte{
		"pack/hero.png":    pngBytes(),
		"pack/villain.png": pngBytes(),
		"pack/readme.txt":  []byte("not an image"),
	})

	imported, err := service.ImportArchive(context.Background(), 7, "pack.zip", archive, "Characters")
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	images, err := service.ListImages(context.Background(), 7, "Characters")
	require.NoError(t, err)
	require.Len(t, images, 2)

	names := []string{images[0].Name, images[1].Name}
	assert.ElementsMatch(t, []string{"hero", "villain"}, names)

	// 目标分类随导入建档。
	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Characters", summaries[0].Name)
}

func TestImportArchiveDefaultsToUncategorized(t *testing.T) {
	service, _ := newTestService(t)

	archive := buildZip(t, map[string][]byte{"hero.png": pngBytes()})
	imported, err := service.ImportArchive(context.Background(), 7, "pack.zip", archive, "")
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	images, err := service.ListImages(context.Background(), 7, Uncategorized)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "hero", images[0].Name)
}

func TestImportArchiveRejectsUnknownFormat(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.ImportArchive(context.Background(), 7, "pack.bin", []byte("garbage"), "")
	assert.Error(t, err)
}

func TestImportArchiveRejectsTraversalEntries(t *testing.T) {
	service, _ := newTestService(t)

	archive := buildZip(t, map[string][]byte{"../escape.png": pngBytes()})
	_, err := service.ImportArchive(context.Background(), 7, "pack.zip", archive, "")
	assert.Error(t, err)
}

func TestDetectArchiveFormat(t *testing.T) {
	format, err := detectArchiveFormat("pack.zip", nil)
	require.NoError(t, err)
	assert.Equal(t, archiveFormatZip, format)

	format, err = detectArchiveFormat("pack.rar", nil)
	require.NoError(t, err)
	assert.Equal(t, archiveFormatRar, format)

	format, err = detectArchiveFormat("upload", []byte{0x50, 0x4B, 0x03, 0x04})
	require.NoError(t, err)
	assert.Equal(t, archiveFormatZip, format)

	format, err = detectArchiveFormat("upload", []byte("Rar!\x1a\x07\x00"))
	require.NoError(t, err)
	assert.Equal(t, archiveFormatRar, format)

	_, err = detectArchiveFormat("upload", []byte("plain"))
	assert.Error(t, err)
}

func TestSanitizeArchiveEntry(t *testing.T) {
	sanitized, err := sanitizeArchiveEntry("pack\\hero.png")
	require.NoError(t, err)
	assert.Equal(t, "pack/hero.png", sanitized)

	sanitized, err = sanitizeArchiveEntry("./hero.png")
	require.NoError(t, err)
	assert.Equal(t, "hero.png", sanitized)

	sanitized, err = sanitizeArchiveEntry("  ")
	require.NoError(t, err)
	assert.Empty(t, sanitized)

	_, err = sanitizeArchiveEntry("../escape.png")
	assert.Error(t, err)

	_, err = sanitizeArchiveEntry("/etc/passwd")
	assert.Error(t, err)
}
