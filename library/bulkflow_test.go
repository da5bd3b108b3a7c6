package library

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSuggester struct {
	label string
	err   error
	calls int
}

func (f *fakeSuggester) SuggestCategory(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.label, nil
}

func TestBulkFlowManualSaveAndFinish(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)

	first := mustCreateImage(t, service, 7, "one", "")
	second := mustCreateImage(t, service, 7, "two", "")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{first.ID, second.ID}, false)
	require.NoError(t, err)
	assert.Equal(t, "reviewing", view.State)
	assert.Equal(t, 0, view.Index)
	assert.Equal(t, 2, view.Total)
	assert.False(t, view.AIAssisted)
	require.NotNil(t, view.Image)

	view, err = manager.Save(context.Background(), 7, view.SessionID, "Portraits", false)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Index)
	assert.Equal(t, 1, view.SavedCount)

	view, err = manager.Save(context.Background(), 7, view.SessionID, "Portraits", false)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)
	assert.Equal(t, 2, view.SavedCount)

	portraits, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	assert.Len(t, portraits, 2)

	// 即兴输入的分类会自动建档。
	summaries, err := service.ListCategories(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Portraits", summaries[0].Name)
}

func TestBulkFlowUncategorizedRequiresConfirmation(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	image := mustCreateImage(t, service, 7, "one", "Portraits")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, false)
	require.NoError(t, err)

	_, err = manager.Save(context.Background(), 7, view.SessionID, "uncategorized", false)
	assert.ErrorIs(t, err, ErrFlowNeedsConfirm)

	// 确认后才允许清空分类。
	view, err = manager.Save(context.Background(), 7, view.SessionID, "uncategorized", true)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)

	loaded, err := service.GetImage(context.Background(), 7, image.ID)
	require.NoError(t, err)
	assert.Equal(t, Uncategorized, NormalizeCategory(loaded.Category))
}

func TestBulkFlowSkipLeavesImageUntouched(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	image := mustCreateImage(t, service, 7, "one", "Portraits")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, false)
	require.NoError(t, err)

	view, err = manager.Skip(context.Background(), 7, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)
	assert.Zero(t, view.SavedCount)

	loaded, err := service.GetImage(context.Background(), 7, image.ID)
	require.NoError(t, err)
	assert.Equal(t, "Portraits", loaded.Category)
}

func TestBulkFlowCancelKeepsPriorSaves(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	first := mustCreateImage(t, service, 7, "one", "")
	second := mustCreateImage(t, service, 7, "two", "")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{first.ID, second.ID}, false)
	require.NoError(t, err)

	view, err = manager.Save(context.Background(), 7, view.SessionID, "Portraits", false)
	require.NoError(t, err)

	view, err = manager.Cancel(7, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)
	assert.Equal(t, 1, view.SavedCount)

	_, err = manager.Current(context.Background(), 7, view.SessionID)
	assert.ErrorIs(t, err, ErrFlowNotFound)

	portraits, err := service.ListImages(context.Background(), 7, "Portraits")
	require.NoError(t, err)
	assert.Len(t, portraits, 1)
}

func TestBulkFlowDefaultsToUncategorizedQueue(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	mustCreateImage(t, service, 7, "loose", "")
	mustCreateImage(t, service, 7, "sorted", "Portraits")

	view, err := manager.StartFlow(context.Background(), 7, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Total)
	require.NotNil(t, view.Image)
	assert.Equal(t, "loose", view.Image.Name)
}

func TestBulkFlowEmptyQueueFinishesImmediately(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)

	view, err := manager.StartFlow(context.Background(), 7, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)
	assert.Zero(t, view.Total)
}

func TestBulkFlowSaveFailureDoesNotAdvance(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	image := mustCreateImage(t, service, 7, "one", "")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, false)
	require.NoError(t, err)

	// 模拟分类落库失败：提前拆掉分类表。
	require.NoError(t, service.db.Migrator().DropTable(&Category{}))

	_, err = manager.Save(context.Background(), 7, view.SessionID, "Portraits", false)
	require.Error(t, err)

	// 失败不推进队列，也不计入已保存。
	current, err := manager.Current(context.Background(), 7, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "reviewing", current.State)
	assert.Zero(t, current.Index)
	assert.Zero(t, current.SavedCount)

	// 恢复后同一条目可以重试成功。
	require.NoError(t, service.db.AutoMigrate(&Category{}))
	done, err := manager.Save(context.Background(), 7, view.SessionID, "Portraits", false)
	require.NoError(t, err)
	assert.Equal(t, "done", done.State)
	assert.Equal(t, 1, done.SavedCount)

	loaded, err := service.GetImage(context.Background(), 7, image.ID)
	require.NoError(t, err)
	assert.Equal(t, "Portraits", loaded.Category)
}

func TestBulkFlowScopedToOwner(t *testing.T) {
	service, _ := newTestService(t)
	manager := NewFlowManager(service, nil)
	image := mustCreateImage(t, service, 7, "one", "")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, false)
	require.NoError(t, err)

	_, err = manager.Current(context.Background(), 8, view.SessionID)
	assert.ErrorIs(t, err, ErrFlowNotFound)

	_, err = manager.Save(context.Background(), 8, view.SessionID, "Portraits", false)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestBulkFlowAssistedSuggestion(t *testing.T) {
	service, _ := newTestService(t)
	suggester := &fakeSuggester{label: "Fantasy Character"}
	manager := NewFlowManager(service, suggester)
	image := mustCreateImage(t, service, 7, "hero", "")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, true)
	require.NoError(t, err)
	assert.True(t, view.AIAssisted)
	assert.Equal(t, "Fantasy Character", view.Proposed)
	assert.Equal(t, 1, suggester.calls)

	// 重复查看不再触发新的建议请求。
	view, err = manager.Current(context.Background(), 7, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Fantasy Character", view.Proposed)
	assert.Equal(t, 1, suggester.calls)

	// 空分类保存沿用建议值。
	view, err = manager.Save(context.Background(), 7, view.SessionID, "", false)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)

	loaded, err := service.GetImage(context.Background(), 7, image.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fantasy Character", loaded.Category)
}

func TestBulkFlowAssistedSuggestionFailureDoesNotBlock(t *testing.T) {
	service, _ := newTestService(t)
	suggester := &fakeSuggester{err: errors.New("model offline")}
	manager := NewFlowManager(service, suggester)
	image := mustCreateImage(t, service, 7, "hero", "Portraits")

	view, err := manager.StartFlow(context.Background(), 7, []uint64{image.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, "suggestion failed", view.SuggestErr)
	assert.Equal(t, "Portraits", view.Proposed)

	// 建议失败不影响手动保存。
	view, err = manager.Save(context.Background(), 7, view.SessionID, "Landscapes", false)
	require.NoError(t, err)
	assert.Equal(t, "done", view.State)
}
