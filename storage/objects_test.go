package storage

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDataURI(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})

	contentType, data, err := DecodeDataURI("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	contentType, _, err = DecodeDataURI("data:;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", contentType)

	_, _, err = DecodeDataURI("image/png;base64," + payload)
	assert.Error(t, err)

	_, _, err = DecodeDataURI("data:image/png," + payload)
	assert.Error(t, err)

	_, _, err = DecodeDataURI("data:image/png;base64,!!!")
	assert.Error(t, err)

	_, _, err = DecodeDataURI("data:image/png;base64,")
	assert.Error(t, err)
}

func TestImageExtension(t *testing.T) {
	assert.Equal(t, ".png", imageExtension("image/png"))
	assert.Equal(t, ".jpg", imageExtension(" IMAGE/JPEG "))
	assert.Equal(t, ".webp", imageExtension("image/webp"))
	assert.Equal(t, ".gif", imageExtension("image/gif"))
	assert.Equal(t, ".bin", imageExtension("application/pdf"))
}

func TestIsAllowedImageContent(t *testing.T) {
	assert.True(t, isAllowedImageContent("image/png"))
	assert.True(t, isAllowedImageContent(" Image/JPEG "))
	assert.True(t, isAllowedImageContent("image/webp"))
	assert.False(t, isAllowedImageContent("image/svg+xml"))
	assert.False(t, isAllowedImageContent("text/html"))
}

func TestBuildPublicURL(t *testing.T) {
	s := &ObjectStorage{bucket: "media", publicURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/media/users/7/a.png", s.buildPublicURL("users/7/a.png"))
	assert.Equal(t, "https://cdn.example.com/media/users/7/a.png", s.buildPublicURL("/users/7/a.png"))
}

func TestObjectNameFromURL(t *testing.T) {
	s := &ObjectStorage{bucket: "media", publicURL: "https://cdn.example.com"}

	name, ok := s.objectNameFromURL("https://cdn.example.com/media/users/7/a.png")
	require.True(t, ok)
	assert.Equal(t, "users/7/a.png", name)

	// Bare object keys resolve as well.
	name, ok = s.objectNameFromURL("/media/users/7/a.png")
	require.True(t, ok)
	assert.Equal(t, "users/7/a.png", name)

	_, ok = s.objectNameFromURL("https://other.example.com/media/users/7/a.png")
	assert.False(t, ok)

	_, ok = s.objectNameFromURL("")
	assert.False(t, ok)
}
