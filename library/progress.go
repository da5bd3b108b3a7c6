package library

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	progressBuffer     = 64
	progressTicketTTL  = 5 * time.Minute
	progressWriteLimit = 5 * time.Second
)

// progressUpdate 是推送给客户端的单条进度消息。
type progressUpdate struct {
	Percent int  `json:"percent"`
	Done    bool `json:"done,omitempty"`
}

type progressTicket struct {
	mu        sync.Mutex
	updates   chan progressUpdate
	closed    bool
	createdAt time.Time
}

// publish 尝试投递一条进度消息；订阅端跟不上时丢弃中间值。
func (t *progressTicket) publish(update progressUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.updates <- update:
	default:
	}
}

// finish 投递完成标记并关闭通道，幂等。
func (t *progressTicket) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.updates <- progressUpdate{Percent: 100, Done: true}:
	default:
	}
	close(t.updates)
	t.closed = true
}

// ProgressHub 按票据分发上传进度，供 WebSocket 订阅端消费。
// 进度纯粹是观测性的，丢失或迟到的消息不影响上传本身。
type ProgressHub struct {
	mu      sync.Mutex
	tickets map[string]*progressTicket
}

// NewProgressHub 创建进度分发器。
func NewProgressHub() *ProgressHub {
	return &ProgressHub{tickets: make(map[string]*progressTicket)}
}

// Open 分配一张进度票据并返回票据号。
func (h *ProgressHub) Open() (string, func(percent int)) {
	ticket := &progressTicket{
		updates:   make(chan progressUpdate, progressBuffer),
		createdAt: time.Now().UTC(),
	}
	id := uuid.NewString()

	h.mu.Lock()
	h.pruneLocked()
	h.tickets[id] = ticket
	h.mu.Unlock()

	return id, func(percent int) {
		ticket.publish(progressUpdate{Percent: percent})
	}
}

// Close 结束票据对应的进度流并广播完成标记。
func (h *ProgressHub) Close(id string) {
	h.mu.Lock()
	ticket, ok := h.tickets[id]
	if ok {
		delete(h.tickets, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	ticket.finish()
}

// Reporter 返回票据对应的进度回调；票据不存在时返回 nil。
func (h *ProgressHub) Reporter(id string) func(percent int) {
	h.mu.Lock()
	ticket, ok := h.tickets[id]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	return func(percent int) {
		ticket.publish(progressUpdate{Percent: percent})
	}
}

// lookup 返回票据的订阅通道。
func (h *ProgressHub) lookup(id string) (*progressTicket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ticket, ok := h.tickets[id]
	return ticket, ok
}

// pruneLocked 清理从未被关闭的过期票据。调用方持锁。
func (h *ProgressHub) pruneLocked() {
	cutoff := time.Now().UTC().Add(-progressTicketTTL)
	for id, ticket := range h.tickets {
		if ticket.createdAt.Before(cutoff) {
			delete(h.tickets, id)
			ticket.finish()
		}
	}
}

var progressUpgrader = websocket.Upgrader{
	HandshakeTimeout: 8 * time.Second,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// streamProgress 将票据上的进度更新透传到 WebSocket 连接，直至完成或断开。
func (h *ProgressHub) streamProgress(c *gin.Context, ticketID string) {
	ticket, ok := h.lookup(ticketID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress ticket not found"})
		return
	}

	conn, err := progressUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for update := range ticket.updates {
		_ = conn.SetWriteDeadline(time.Now().Add(progressWriteLimit))
		if err := conn.WriteJSON(update); err != nil {
			return
		}
		if update.Done {
			break
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
