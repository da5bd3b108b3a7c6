package library

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	flowModeManual   = "manual"
	flowModeAssisted = "assisted"

	flowSessionTTL = 2 * time.Hour
)

var (
	// ErrFlowNotFound 表示批量归类会话不存在或已过期。
	ErrFlowNotFound = errors.New("library: bulk flow session not found")
	// ErrFlowFinished 表示会话已结束，不再接受新的操作。
	ErrFlowFinished = errors.New("library: bulk flow session is finished")
	// ErrFlowNeedsConfirm 表示保存"未分类"需要显式确认。
	ErrFlowNeedsConfirm = errors.New("library: saving as uncategorized requires confirmation")
)

// Suggester 抽象"图片到分类标签"的 AI 能力。
type Suggester interface {
	SuggestCategory(ctx context.Context, imageDataURI string) (string, error)
}

// flowState 是会话状态机的离散状态。
type flowState int

const (
	flowReviewing flowState = iota
	flowSaving
	flowDone
)

// flowItem 是队列中一条待审阅的图片及其临时编辑状态。
type flowItem struct {
	imageID   uint64
	proposed  string
	suggested bool
	saved     bool
}

// FlowSession 是一次批量归类审阅的全部易失状态；不落库，进程重启即失效。
type FlowSession struct {
	ID        string
	userID    uint64
	mode      string
	state     flowState
	index     int
	items     []flowItem
	createdAt time.Time
}

// FlowManager 维护活跃的批量归类会话。
type FlowManager struct {
	mu        sync.Mutex
	sessions  map[string]*FlowSession
	service   *Service
	suggester Suggester
}

// NewFlowManager 创建批量归类会话管理器；suggester 可为 nil（纯手动模式）。
func NewFlowManager(service *Service, suggester Suggester) *FlowManager {
	return &FlowManager{
		sessions:  make(map[string]*FlowSession),
		service:   service,
		suggester: suggester,
	}
}

// FlowItemView 是当前待审阅条目的对外快照。
type FlowItemView struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	SavedCount int    `json:"saved_count"`
	Image      *Image `json:"image,omitempty"`
	Proposed   string `json:"proposed_category,omitempty"`
	SuggestErr string `json:"suggest_error,omitempty"`
	AIAssisted bool   `json:"ai_assisted"`
}

// StartFlow 启动一次批量归类会话。imageIDs 为空时覆盖用户的全部未分类图片。
// 队列为空时直接返回已完成的会话。
func (m *FlowManager) StartFlow(ctx context.Context, userID uint64, imageIDs []uint64, assisted bool) (*FlowItemView, error) {
	var queue []Image
	var err error
	if len(imageIDs) == 0 {
		queue, err = m.service.ListImages(ctx, userID, Uncategorized)
	} else {
		err = m.service.db.WithContext(ctx).
			Where("user_id = ? AND id IN ?", userID, imageIDs).
			Order("created_at DESC, id DESC").
			Find(&queue).Error
		if err != nil {
			err = fmt.Errorf("library: load bulk flow queue: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	mode := flowModeManual
	if assisted && m.suggester != nil {
		mode = flowModeAssisted
	}

	session := &FlowSession{
		ID:        uuid.NewString(),
		userID:    userID,
		mode:      mode,
		state:     flowReviewing,
		createdAt: time.Now().UTC(),
	}
	for _, image := range queue {
		session.items = append(session.items, flowItem{
			imageID:  image.ID,
			proposed: NormalizeCategory(image.Category),
		})
	}
	if len(session.items) == 0 {
		session.state = flowDone
	}

	m.mu.Lock()
	m.pruneLocked()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	return m.currentView(ctx, session)
}

// Current 返回会话当前待审阅的条目；AI 模式下进入新条目时自动请求建议。
func (m *FlowManager) Current(ctx context.Context, userID uint64, sessionID string) (*FlowItemView, error) {
	session, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.currentView(ctx, session)
}

// Save 将当前条目按给定分类落库并推进队列。proposed 为空时沿用条目当前
// 的拟定分类；保存为"未分类"必须带 confirmed 标记，防止误清空已有分类。
func (m *FlowManager) Save(ctx context.Context, userID uint64, sessionID, proposed string, confirmed bool) (*FlowItemView, error) {
	session, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if session.state == flowDone {
		m.mu.Unlock()
		return nil, ErrFlowFinished
	}
	item := &session.items[session.index]
	category := NormalizeCategory(proposed)
	if strings.TrimSpace(proposed) == "" {
		category = NormalizeCategory(item.proposed)
	}
	if category == Uncategorized && !confirmed {
		m.mu.Unlock()
		return nil, ErrFlowNeedsConfirm
	}
	session.state = flowSaving
	imageID := item.imageID
	m.mu.Unlock()

	if err := m.writeCategory(ctx, userID, imageID, category); err != nil {
		m.mu.Lock()
		session.state = flowReviewing
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	item.proposed = category
	item.saved = true
	m.advanceLocked(session)
	m.mu.Unlock()

	return m.currentView(ctx, session)
}

// Skip 跳过当前条目，不写任何数据。
func (m *FlowManager) Skip(ctx context.Context, userID uint64, sessionID string) (*FlowItemView, error) {
	session, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if session.state == flowDone {
		m.mu.Unlock()
		return nil, ErrFlowFinished
	}
	m.advanceLocked(session)
	m.mu.Unlock()

	return m.currentView(ctx, session)
}

// Cancel 终止会话并丢弃剩余队列；此前已保存的条目保持不变。
func (m *FlowManager) Cancel(userID uint64, sessionID string) (*FlowItemView, error) {
	session, err := m.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	session.state = flowDone
	view := m.snapshotLocked(session)
	delete(m.sessions, session.ID)
	m.mu.Unlock()

	return view, nil
}

// writeCategory 单条写入分类；需要时顺带建立分类记录。
func (m *FlowManager) writeCategory(ctx context.Context, userID, imageID uint64, category string) error {
	if err := m.service.ensureCategory(ctx, userID, category); err != nil {
		return err
	}

	result := m.service.db.WithContext(ctx).
		Model(&Image{}).
		Where("user_id = ? AND id = ?", userID, imageID).
		Update("category", category)
	if result.Error != nil {
		return fmt.Errorf("library: save bulk flow item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrImageNotFound
	}
	return nil
}

// advanceLocked 推进到下一条目，越过队尾即进入完成态。调用方持锁。
func (m *FlowManager) advanceLocked(session *FlowSession) {
	session.state = flowReviewing
	session.index++
	if session.index >= len(session.items) {
		session.state = flowDone
		delete(m.sessions, session.ID)
	}
}

// currentView 组装当前条目的快照；AI 模式下首次进入条目时获取建议分类。
func (m *FlowManager) currentView(ctx context.Context, session *FlowSession) (*FlowItemView, error) {
	m.mu.Lock()
	view := m.snapshotLocked(session)
	if session.state == flowDone {
		m.mu.Unlock()
		return view, nil
	}
	item := &session.items[session.index]
	imageID := item.imageID
	needsSuggestion := session.mode == flowModeAssisted && !item.suggested
	m.mu.Unlock()

	image, err := m.service.GetImage(ctx, session.userID, imageID)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			// 条目在会话期间被删除，跳过它。
			m.mu.Lock()
			m.advanceLocked(session)
			m.mu.Unlock()
			return m.currentView(ctx, session)
		}
		return nil, err
	}
	view.Image = image

	if needsSuggestion {
		suggestion, err := m.suggest(ctx, image)
		m.mu.Lock()
		item.suggested = true
		if err != nil {
			log.Printf("library: category suggestion for image %d failed: %v", image.ID, err)
			view.SuggestErr = "suggestion failed"
		} else if suggestion != "" {
			item.proposed = suggestion
		}
		view.Proposed = item.proposed
		m.mu.Unlock()
	}

	return view, nil
}

// suggest 拉取图片二进制并交给视觉模型给出分类建议。
func (m *FlowManager) suggest(ctx context.Context, image *Image) (string, error) {
	if m.suggester == nil {
		return "", nil
	}
	if m.service.assets == nil || image.StoragePath == "" {
		return "", errors.New("library: image asset unavailable for suggestion")
	}

	data, err := m.service.assets.Fetch(ctx, image.StoragePath)
	if err != nil {
		return "", err
	}
	contentType := http.DetectContentType(data)
	dataURI := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)

	suggestion, err := m.suggester.SuggestCategory(ctx, dataURI)
	if err != nil {
		return "", err
	}
	return NormalizeCategory(suggestion), nil
}

// snapshotLocked 生成会话状态快照。调用方持锁。
func (m *FlowManager) snapshotLocked(session *FlowSession) *FlowItemView {
	saved := 0
	for _, item := range session.items {
		if item.saved {
			saved++
		}
	}

	view := &FlowItemView{
		SessionID:  session.ID,
		State:      flowStateLabel(session.state),
		Index:      session.index,
		Total:      len(session.items),
		SavedCount: saved,
		AIAssisted: session.mode == flowModeAssisted,
	}
	if session.state != flowDone && session.index < len(session.items) {
		view.Proposed = session.items[session.index].proposed
	}
	return view
}

// lookup 校验会话归属并返回它。
func (m *FlowManager) lookup(userID uint64, sessionID string) (*FlowSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.userID != userID {
		return nil, ErrFlowNotFound
	}
	return session, nil
}

// pruneLocked 清理超时的遗留会话。调用方持锁。
func (m *FlowManager) pruneLocked() {
	cutoff := time.Now().UTC().Add(-flowSessionTTL)
	for id, session := range m.sessions {
		if session.createdAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

func flowStateLabel(state flowState) string {
	switch state {
	case flowReviewing:
		return "reviewing"
	case flowSaving:
		return "saving"
	case flowDone:
		return "done"
	default:
		return "unknown"
	}
}
