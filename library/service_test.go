package library

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"avatarium_back/storage"
)

// fakeAssetStore 是测试用的内存对象存储。
type fakeAssetStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploads    int
	failUpload bool
	failFetch  map[string]bool
	failRemove map[string]bool
	removed    []string
}

func newFakeAssetStore() *fakeAssetStore {
	return &fakeAssetStore{
		objects:    make(map[string][]byte),
		failFetch:  make(map[string]bool),
		failRemove: make(map[string]bool),
	}
}

func (f *fakeAssetStore) Upload(_ context.Context, data []byte, _ string, progress storage.ProgressFunc, pathSegments ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload {
		return "", "", errors.New("fake: upload failed")
	}
	f.uploads++
	objectPath := path.Join(append(append([]string{}, pathSegments...), fmt.Sprintf("object-%d.png", f.uploads))...)
	stored := make([]byte, len(data))
	copy(stored, data)
	f.objects[objectPath] = stored
	if progress != nil {
		progress(100)
	}
	return "https://assets.test/" + objectPath, objectPath, nil
}

func (f *fakeAssetStore) UploadDataURI(ctx context.Context, dataURI string, progress storage.ProgressFunc, pathSegments ...string) (string, string, error) {
	contentType, data, err := storage.DecodeDataURI(dataURI)
	if err != nil {
		return "", "", err
	}
	return f.Upload(ctx, data, contentType, progress, pathSegments...)
}

func (f *fakeAssetStore) Fetch(_ context.Context, objectPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch[objectPath] {
		return nil, errors.New("fake: fetch failed")
	}
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, errors.New("fake: object not found")
	}
	return data, nil
}

func (f *fakeAssetStore) TryRemove(_ context.Context, objectPath string) storage.RemoveStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if objectPath == "" {
		return storage.RemoveSkipped
	}
	if f.failRemove[objectPath] {
		return storage.RemoveFailed
	}
	delete(f.objects, objectPath)
	f.removed = append(f.removed, objectPath)
	return storage.RemoveDone
}

func (f *fakeAssetStore) has(objectPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[objectPath]
	return ok
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "library.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Image{}, &Category{}))
	return db
}

func newTestService(t *testing.T) (*Service, *fakeAssetStore) {
	t.Helper()

	assets := newFakeAssetStore()
	service, err := NewService(newTestDB(t), assets)
	require.NoError(t, err)
	return service, assets
}

func pngBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3}
}

func mustCreateImage(t *testing.T, service *Service, userID uint64, name, category string) *Image {
	t.Helper()

	image, err := service.CreateImage(context.Background(), userID, ImageInput{
		Name:        name,
		Category:    category,
		Data:        pngBytes(),
		ContentType: "image/png",
	})
	require.NoError(t, err)
	return image
}

func TestCreateImageStoresAssetAndRecord(t *testing.T) {
	service, assets := newTestService(t)

	description := "  studio portrait  "
	image, err := service.CreateImage(context.Background(), 7, ImageInput{
		Name:        "  Portrait  ",
		Description: &description,
		Category:    "Portraits",
		Tags:        []string{"warm", "Warm", " studio "},
		Data:        pngBytes(),
		ContentType: "image/png",
	})
	require.NoError(t, err)

	assert.Equal(t, "Portrait", image.Name)
	assert.Equal(t, "Portraits", image.Category)
	require.NotNil(t, image.Description)
	assert.Equal(t, "studio portrait", *image.Description)
	assert.Equal(t, sourceUpload, image.Source)
	assert.NotEmpty(t, image.StoragePath)
	assert.True(t, assets.has(image.StoragePath))
	assert.JSONEq(t, `["studio","warm"]`, string(image.Tags))
}

func TestCreateImageRejectsMissingFields(t *testing.T) {
	service, assets := newTestService(t)

	_, err := service.CreateImage(context.Background(), 7, ImageInput{Data: pngBytes()})
	require.Error(t, err)

	_, err = service.CreateImage(context.Background(), 7, ImageInput{Name: "no data"})
	require.Error(t, err)

	assert.Zero(t, assets.uploads)
}

func TestCreateImageUploadFailureLeavesNoRecord(t *testing.T) {
	service, assets := newTestService(t)
	assets.failUpload = true

	_, err := service.CreateImage(context.Background(), 7, ImageInput{
		Name: "doomed",
		Data: pngBytes(),
	})
	require.Error(t, err)

	images, err := service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestCreateImageCompensatesWhenInsertFails(t *testing.T) {
	service, assets := newTestService(t)

	// 模拟记录写入失败：提前拆掉表。
	require.NoError(t, service.db.Migrator().DropTable(&Image{}))

	_, err := service.CreateImage(context.Background(), 7, ImageInput{
		Name: "orphan-to-be",
		Data: pngBytes(),
	})
	require.Error(t, err)

	assert.Len(t, assets.removed, 1)
	assert.Empty(t, assets.objects)
}

func TestUpdateImageReplacesAssetAndRemovesOld(t *testing.T) {
	service, assets := newTestService(t)
	image := mustCreateImage(t, service, 7, "original", "Portraits")
	oldPath := image.StoragePath

	updated, err := service.UpdateImage(context.Background(), 7, image.ID, ImageInput{
		Name:        "renamed",
		Category:    "Landscapes",
		Data:        pngBytes(),
		ContentType: "image/png",
	})
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "Landscapes", updated.Category)
	assert.NotEqual(t, oldPath, updated.StoragePath)
	assert.True(t, assets.has(updated.StoragePath))
	assert.False(t, assets.has(oldPath))
	assert.Contains(t, assets.removed, oldPath)
}

func TestUpdateImageMetadataOnlyKeepsAsset(t *testing.T) {
	service, assets := newTestService(t)
	image := mustCreateImage(t, service, 7, "original", "Portraits")

	updated, err := service.UpdateImage(context.Background(), 7, image.ID, ImageInput{
		Name:     "renamed",
		Category: image.Category,
	})
	require.NoError(t, err)

	assert.Equal(t, image.StoragePath, updated.StoragePath)
	assert.True(t, assets.has(image.StoragePath))
	assert.Empty(t, assets.removed)
}

func TestUpdateImageFailedRemovalDoesNotFailOperation(t *testing.T) {
	service, assets := newTestService(t)
	image := mustCreateImage(t, service, 7, "original", "")
	assets.failRemove[image.StoragePath] = true

	updated, err := service.UpdateImage(context.Background(), 7, image.ID, ImageInput{
		Name:        "renamed",
		Data:        pngBytes(),
		ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.NotEqual(t, image.StoragePath, updated.StoragePath)
}

func TestDeleteImageRemovesRecordThenAsset(t *testing.T) {
	service, assets := newTestService(t)
	image := mustCreateImage(t, service, 7, "victim", "")

	require.NoError(t, service.DeleteImage(context.Background(), 7, image.ID))

	_, err := service.GetImage(context.Background(), 7, image.ID)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Contains(t, assets.removed, image.StoragePath)
}

func TestDeleteImageSucceedsWhenAssetRemovalFails(t *testing.T) {
	service, assets := newTestService(t)
	image := mustCreateImage(t, service, 7, "victim", "")
	assets.failRemove[image.StoragePath] = true

	require.NoError(t, service.DeleteImage(context.Background(), 7, image.ID))

	_, err := service.GetImage(context.Background(), 7, image.ID)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.True(t, assets.has(image.StoragePath))
}

func TestDeleteImageScopedToOwner(t *testing.T) {
	service, _ := newTestService(t)
	image := mustCreateImage(t, service, 7, "mine", "")

	err := service.DeleteImage(context.Background(), 8, image.ID)
	assert.ErrorIs(t, err, ErrImageNotFound)

	_, err = service.GetImage(context.Background(), 7, image.ID)
	assert.NoError(t, err)
}

func TestBulkDeleteImages(t *testing.T) {
	service, assets := newTestService(t)
	first := mustCreateImage(t, service, 7, "one", "")
	second := mustCreateImage(t, service, 7, "two", "")
	foreign := mustCreateImage(t, service, 8, "other", "")

	deleted, err := service.BulkDeleteImages(context.Background(), 7, []uint64{first.ID, second.ID, foreign.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// 他人的记录与资源原封不动。
	_, err = service.GetImage(context.Background(), 8, foreign.ID)
	assert.NoError(t, err)
	assert.True(t, assets.has(foreign.StoragePath))

	assert.Contains(t, assets.removed, first.StoragePath)
	assert.Contains(t, assets.removed, second.StoragePath)
}

func TestBulkDeleteImagesEmptySelection(t *testing.T) {
	service, _ := newTestService(t)

	deleted, err := service.BulkDeleteImages(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestListImagesUncategorizedEquivalence(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "blank", "")
	mustCreateImage(t, service, 7, "explicit", "uncategorized")
	mustCreateImage(t, service, 7, "cased", "Uncategorized")
	mustCreateImage(t, service, 7, "portrait", "Portraits")

	uncategorized, err := service.ListImages(context.Background(), 7, Uncategorized)
	require.NoError(t, err)
	assert.Len(t, uncategorized, 3)
	for _, image := range uncategorized {
		assert.Equal(t, Uncategorized, image.Category)
	}

	portraits, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	assert.Len(t, portraits, 1)

	all, err := service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCreateGeneratedCopy(t *testing.T) {
	service, assets := newTestService(t)

	dataURI := "data:image/png;base64,iVBORw0KGgo="
	image, err := service.CreateGeneratedCopy(context.Background(), 7, "hero", "a brave knight", dataURI)
	require.NoError(t, err)

	assert.Equal(t, sourceGenerated, image.Source)
	assert.Equal(t, Uncategorized, image.Category)
	require.NotNil(t, image.Description)
	assert.Equal(t, "a brave knight", *image.Description)
	assert.True(t, assets.has(image.StoragePath))
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, Uncategorized, NormalizeCategory(""))
	assert.Equal(t, Uncategorized, NormalizeCategory("   "))
	assert.Equal(t, Uncategorized, NormalizeCategory("UNCATEGORIZED"))
	assert.Equal(t, "Portraits", NormalizeCategory(" Portraits "))
}
