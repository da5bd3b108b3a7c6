package library

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportBackupShape(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "a", "Portraits")
	mustCreateImage(t, service, 7, "b", "")

	document, err := service.ExportBackup(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, backupVersion, document.Version)
	assert.NotEmpty(t, document.ExportedAt)
	require.Len(t, document.Images, 2)

	for _, entry := range document.Images {
		assert.NotEmpty(t, entry.Name)
		assert.NotEmpty(t, entry.ImageURL)
		_, err := time.Parse(time.RFC3339, entry.CreatedAt)
		assert.NoError(t, err)
	}
}

func TestImportBackupRoundTripIsAdditive(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "a", "Portraits")
	mustCreateImage(t, service, 7, "b", "")

	document, err := service.ExportBackup(context.Background(), 7)
	require.NoError(t, err)
	payload, err := json.Marshal(document)
	require.NoError(t, err)

	restored, err := service.ImportBackup(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	all, err := service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	// 再导一次照样翻倍，不做去重。
	restored, err = service.ImportBackup(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	all, err = service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestImportBackupForcesOwnership(t *testing.T) {
	service, _ := newTestService(t)
	mustCreateImage(t, service, 7, "a", "Portraits")

	document, err := service.ExportBackup(context.Background(), 7)
	require.NoError(t, err)
	payload, err := json.Marshal(document)
	require.NoError(t, err)

	restored, err := service.ImportBackup(context.Background(), 9, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	mine, err := service.ListImages(context.Background(), 9, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.EqualValues(t, 9, mine[0].UserID)
}

func TestImportBackupAcceptsLegacyArray(t *testing.T) {
	service, _ := newTestService(t)

	payload := []byte(`[
		{"name": "legacy", "image_url": "https://assets.test/legacy.png", "category": "Portraits", "created_at": "2024-01-02T03:04:05Z"},
		{"name": "", "image_url": "https://assets.test/skipped.png"},
		{"name": "no-url", "image_url": ""}
	]`)

	restored, err := service.ImportBackup(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	images, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "legacy", images[0].Name)
	assert.Equal(t, 2024, images[0].CreatedAt.Year())
}

func TestImportBackupCreatesCategoryRecords(t *testing.T) {
	service, _ := newTestService(t)

	payload := []byte(`{"version":1,"images":[{"name":"x","image_url":"https://assets.test/x.png","category":"Imported"}]}`)
	restored, err := service.ImportBackup(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Imported", summaries[0].Name)
	assert.EqualValues(t, 1, summaries[0].ImageCount)
}

func TestImportBackupCategoryBookkeepingFailureIsNotFatal(t *testing.T) {
	service, _ := newTestService(t)

	// 分类表不可用时导入仍然成功，记录本身已提交。
	require.NoError(t, service.db.Migrator().DropTable(&Category{}))

	payload := []byte(`{"version":1,"images":[{"name":"x","image_url":"https://assets.test/x.png","category":"Imported"}]}`)
	restored, err := service.ImportBackup(context.Background(), 7, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	images, err := service.ListImages(context.Background(), 7, "Imported")
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestImportBackupRejectsMalformedPayloads(t *testing.T) {
	service, _ := newTestService(t)

	for _, payload := range []string{"", "   ", "{\"images\": 42}", "not json", `{"version":1}`} {
		_, err := service.ImportBackup(context.Background(), 7, []byte(payload))
		assert.ErrorIs(t, err, ErrBackupMalformed, "payload %q", payload)
	}

	_, err := service.ImportBackup(context.Background(), 7, []byte(`{"version":99,"images":[]}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackupMalformed)
}

func TestImportBackupEmptyDocument(t *testing.T) {
	service, _ := newTestService(t)

	restored, err := service.ImportBackup(context.Background(), 7, []byte(`{"version":1,"images":[]}`))
	require.NoError(t, err)
	assert.Zero(t, restored)
}
