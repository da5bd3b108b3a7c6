package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCategory(t *testing.T) {
	service, _ := newTestService(t)

	category, err := service.CreateCategory(context.Background(), 7, " Portraits ")
	require.NoError(t, err)
	assert.Equal(t, "Portraits", category.Name)

	_, err = service.CreateCategory(context.Background(), 7, "Portraits")
	assert.ErrorIs(t, err, ErrCategoryExists)

	// 其它用户可以使用相同名称。
	_, err = service.CreateCategory(context.Background(), 8, "Portraits")
	assert.NoError(t, err)
}

func TestCreateCategoryRejectsReservedName(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateCategory(context.Background(), 7, "uncategorized")
	assert.ErrorIs(t, err, ErrCategoryReserved)

	_, err = service.CreateCategory(context.Background(), 7, " Uncategorized ")
	assert.ErrorIs(t, err, ErrCategoryReserved)

	_, err = service.CreateCategory(context.Background(), 7, "")
	assert.Error(t, err)
}

func TestRenameCategoryCascade(t *testing.T) {
	service, _ := newTestService(t)
	category, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)

	mustCreateImage(t, service, 7, "a", "Portraits")
	mustCreateImage(t, service, 7, "b", "Portraits")
	mustCreateImage(t, service, 7, "c", "Portraits")
	mustCreateImage(t, service, 7, "d", "Landscapes")

	renamed, moved, err := service.RenameCategory(context.Background(), 7, category.ID, "Faces")
	require.NoError(t, err)
	assert.Equal(t, "Faces", renamed.Name)
	assert.EqualValues(t, 3, moved)

	faces, err := service.ListImages(context.Background(), 7, "Faces")
	require.NoError(t, err)
	assert.Len(t, faces, 3)

	old, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	assert.Empty(t, old)

	landscapes, err := service.ListImages(context.Background(), 7, "Landscapes")
	require.NoError(t, err)
	assert.Len(t, landscapes, 1)
}

func TestRenameCategoryNoOp(t *testing.T) {
	service, _ := newTestService(t)
	category, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	mustCreateImage(t, service, 7, "a", "Portraits")

	renamed, moved, err := service.RenameCategory(context.Background(), 7, category.ID, "Portraits")
	require.NoError(t, err)
	assert.Equal(t, "Portraits", renamed.Name)
	assert.Zero(t, moved)
}

func TestRenameCategoryRejectsCollision(t *testing.T) {
	service, _ := newTestService(t)
	portraits, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	_, err = service.CreateCategory(context.Background(), 7, "Faces")
	require.NoError(t, err)
	mustCreateImage(t, service, 7, "a", "Portraits")

	_, _, err = service.RenameCategory(context.Background(), 7, portraits.ID, "Faces")
	assert.ErrorIs(t, err, ErrCategoryExists)

	// 冲突改名被拒后一切保持原样。
	images, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestRenameCategoryRollsBackWhenCascadeFails(t *testing.T) {
	service, _ := newTestService(t)
	category, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	mustCreateImage(t, service, 7, "a", "Portraits")

	// 模拟级联改写中途失败：提前拆掉图片表。
	require.NoError(t, service.db.Migrator().DropTable(&Image{}))

	_, _, err = service.RenameCategory(context.Background(), 7, category.ID, "Faces")
	require.Error(t, err)

	// 事务整体回滚，分类行保持旧名。
	var reloaded Category
	require.NoError(t, service.db.First(&reloaded, category.ID).Error)
	assert.Equal(t, "Portraits", reloaded.Name)
}

func TestRenameCategoryScopedToOwner(t *testing.T) {
	service, _ := newTestService(t)
	category, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)

	_, _, err = service.RenameCategory(context.Background(), 8, category.ID, "Faces")
	assert.ErrorIs(t, err, ErrCategoryNotFound)
}

func TestDeleteCategoryClearsButKeepsImages(t *testing.T) {
	service, assets := newTestService(t)
	category, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)

	a := mustCreateImage(t, service, 7, "a", "Portraits")
	b := mustCreateImage(t, service, 7, "b", "Portraits")

	moved, err := service.DeleteCategory(context.Background(), 7, category.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, moved)

	all, err := service.ListImages(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	uncategorized, err := service.ListImages(context.Background(), 7, Uncategorized)
	require.NoError(t, err)
	assert.Len(t, uncategorized, 2)

	// 图片记录与底层资源都还在。
	assert.True(t, assets.has(a.StoragePath))
	assert.True(t, assets.has(b.StoragePath))

	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)
	for _, summary := range summaries {
		assert.NotEqual(t, "Portraits", summary.Name)
	}
}

func TestListCategoriesCounts(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	_, err = service.CreateCategory(context.Background(), 7, "Empty")
	require.NoError(t, err)

	mustCreateImage(t, service, 7, "a", "Portraits")
	mustCreateImage(t, service, 7, "b", "Portraits")
	mustCreateImage(t, service, 7, "c", "")

	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)

	byName := make(map[string]CategorySummary, len(summaries))
	for _, summary := range summaries {
		byName[summary.Name] = summary
	}

	assert.EqualValues(t, 2, byName["Portraits"].ImageCount)
	assert.EqualValues(t, 0, byName["Empty"].ImageCount)
	assert.EqualValues(t, 1, byName[Uncategorized].ImageCount)
}

func TestListCategoriesOmitsEmptyUncategorized(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.CreateCategory(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	mustCreateImage(t, service, 7, "a", "Portraits")

	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Portraits", summaries[0].Name)
}
