package ws

import (
	"log"
	"sync"
	"time"

	"collabEditor/internal/collab"
	"collabEditor/internal/op"
)

// DocumentSession 一个已鉴权用户在某文档上的活跃会话。
// 只存在于房间注册表里：socket 开着且通过鉴权 ⟺ 会话存在。
type DocumentSession struct {
	DocID          uint64
	UserID         uint64
	Username       string
	CursorPosition int
	Selection      *Range
	LastActivity   time.Time
}

// room 单文档的广播域。自己持有一把锁：同文档的
// join/leave/光标/操作串行，不同文档完全并行。
type room struct {
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	sessions map[uint64]*DocumentSession
	// 实时内容缓冲区：首个 join 用库里内容播 seed，之后跟着操作走，
	// 这样中途加入的人拿到的是实时内容而不只是上次落库的快照
	buf collab.Buffer
}

// Hub 文档 → 房间。进程内、非持久：重启后客户端重连即可。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint64]*room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[uint64]*room)}
}

// getOrCreateRoom 房间随首个 join 创建
func (h *Hub) getOrCreateRoom(docID uint64, seedContent string) *room {
	h.mu.RLock()
	r := h.rooms[docID]
	h.mu.RUnlock()
	if r != nil {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[docID]; r == nil {
		r = &room{
			conns:    make(map[*Conn]struct{}),
			sessions: make(map[uint64]*DocumentSession),
			buf:      collab.NewPieceTable(seedContent),
		}
		h.rooms[docID] = r
	}
	return r
}

func (h *Hub) getRoom(docID uint64) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[docID]
}

// Join 把连接登记进房间，返回实时内容和完整在线列表（给 document_state 用）
func (h *Hub) Join(docID uint64, c *Conn, sess *DocumentSession, seedContent string) (string, []ActiveUser) {
	r := h.getOrCreateRoom(docID, seedContent)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	r.sessions[sess.UserID] = sess
	return r.buf.String(), r.activeUsersLocked()
}

// Leave 移除连接；房间空了就整体丢弃（闲置文档不留内存）。
// 返回移除后的在线列表（给 user_left 广播用）。
func (h *Hub) Leave(docID uint64, c *Conn, userID uint64) []ActiveUser {
	r := h.getRoom(docID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.conns, c)
	// 同一用户可能还有别的连接在（罕见，但不重复删会话）
	stillHere := false
	for other := range r.conns {
		if other.userID == userID {
			stillHere = true
			break
		}
	}
	if !stillHere {
		delete(r.sessions, userID)
	}
	users := r.activeUsersLocked()
	empty := len(r.conns) == 0
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		if rr := h.rooms[docID]; rr == r {
			delete(h.rooms, docID)
		}
		h.mu.Unlock()
	}
	return users
}

// ApplyOperation 把一条操作落到房间缓冲区。坏操作只丢弃，缓冲区不动。
func (h *Hub) ApplyOperation(docID uint64, operation *op.Operation) error {
	r := h.getRoom(docID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch operation.Type {
	case op.TypeInsert:
		return r.buf.Insert(operation.Position, operation.Content)
	case op.TypeDelete:
		return r.buf.Delete(operation.Position, operation.Length)
	}
	return nil
}

// ResetContent 保存成功后用落库内容对齐房间缓冲区
func (h *Hub) ResetContent(docID uint64, content string) {
	r := h.getRoom(docID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Reset(content)
}

// UpdateCursor 更新会话光标并刷活跃时间
func (h *Hub) UpdateCursor(docID, userID uint64, position int, selection *Range) {
	r := h.getRoom(docID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[userID]; sess != nil {
		sess.CursorPosition = position
		sess.Selection = selection
		sess.LastActivity = time.Now()
	}
}

// Touch 刷新会话活跃时间（heartbeat / operation / save）
func (h *Hub) Touch(docID, userID uint64) {
	r := h.getRoom(docID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[userID]; sess != nil {
		sess.LastActivity = time.Now()
	}
}

func (h *Hub) ActiveUsers(docID uint64) []ActiveUser {
	r := h.getRoom(docID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeUsersLocked()
}

func (r *room) activeUsersLocked() []ActiveUser {
	users := make([]ActiveUser, 0, len(r.sessions))
	for _, sess := range r.sessions {
		users = append(users, ActiveUser{
			UserID:         sess.UserID,
			UserName:       sess.Username,
			CursorPosition: sess.CursorPosition,
			Selection:      sess.Selection,
		})
	}
	return users
}

// BroadcastOthers 发给同文档除 exclude 外的所有连接。
// 入队非阻塞：慢连接丢消息，绝不拖住房间。
func (h *Hub) BroadcastOthers(docID uint64, exclude *Conn, msg OutboundMessage) {
	for _, c := range h.snapshotConns(docID) {
		if c == exclude {
			continue
		}
		c.enqueue(msg)
	}
}

// BroadcastAll 发给同文档的所有连接（含发送方）
func (h *Hub) BroadcastAll(docID uint64, msg OutboundMessage) {
	for _, c := range h.snapshotConns(docID) {
		c.enqueue(msg)
	}
}

func (h *Hub) snapshotConns(docID uint64) []*Conn {
	r := h.getRoom(docID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// StartJanitor 周期驱逐僵尸会话：超过 maxIdle（3 个心跳间隔）
// 没有任何消息的连接直接关掉，靠 readLoop 的收尾逻辑清状态。
func (h *Hub) StartJanitor(interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			h.evictIdle(maxIdle)
		}
	}()
}

func (h *Hub) evictIdle(maxIdle time.Duration) {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	for _, r := range rooms {
		var stale []*Conn
		r.mu.Lock()
		for c := range r.conns {
			if sess := r.sessions[c.userID]; sess != nil && sess.LastActivity.Before(cutoff) {
				stale = append(stale, c)
			}
		}
		r.mu.Unlock()
		for _, c := range stale {
			log.Printf("evict idle session user=%d doc=%d", c.userID, c.docID)
			c.closeSocket()
		}
	}
}
