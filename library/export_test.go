package library

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveEntries(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string][]byte, len(reader.File))
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		var buffer bytes.Buffer
		_, err = buffer.ReadFrom(rc)
		require.NoError(t, err)
		rc.Close()
		entries[file.Name] = buffer.Bytes()
	}
	return entries
}

func TestExportArchiveLayout(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "portrait", "Portraits")
	mustCreateImage(t, service, 7, "loose", "")

	data, packed, err := service.ExportArchive(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, packed)

	entries := archiveEntries(t, data)
	require.Len(t, entries, 2)
	assert.Contains(t, entries, "Portraits/portrait.png")
	assert.Contains(t, entries, "loose.png")
	assert.Equal(t, pngBytes(), entries["Portraits/portrait.png"])
}

func TestExportArchiveSkipsFailedFetches(t *testing.T) {
	service, assets := newTestService(t)
	ok := mustCreateImage(t, service, 7, "keep", "Portraits")
	bad := mustCreateImage(t, service, 7, "broken", "Portraits")
	assets.failFetch[bad.StoragePath] = true

	data, packed, err := service.ExportArchive(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, packed)

	entries := archiveEntries(t, data)
	require.Len(t, entries, 1)
	assert.Contains(t, entries, "Portraits/keep.png")
	_ = ok
}

func TestExportArchiveDisambiguatesDuplicateNames(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "twin", "Portraits")
	mustCreateImage(t, service, 7, "twin", "Portraits")

	data, packed, err := service.ExportArchive(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, packed)

	entries := archiveEntries(t, data)
	require.Len(t, entries, 2)
	assert.Contains(t, entries, "Portraits/twin.png")
	assert.Contains(t, entries, "Portraits/twin (2).png")
}

func TestExtensionFromURL(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFromURL("https://assets.test/bucket/photo.jpg"))
	assert.Equal(t, ".webp", extensionFromURL("https://assets.test/a/b.webp?X-Signature=abc"))
	assert.Equal(t, defaultExportExtension, extensionFromURL("https://assets.test/no-extension"))
	assert.Equal(t, defaultExportExtension, extensionFromURL(""))
}

func TestSanitizeEntrySegment(t *testing.T) {
	assert.Equal(t, "Sci-Fi Armor", sanitizeEntrySegment(" Sci-Fi Armor "))
	assert.Equal(t, "a-b", sanitizeEntrySegment("a/b"))
	assert.Equal(t, "secret", sanitizeEntrySegment("../secret"))
}
