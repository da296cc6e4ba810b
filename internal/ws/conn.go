package ws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabEditor/internal/authservice"
	"collabEditor/internal/cache"
	"collabEditor/internal/collab"
	"collabEditor/internal/op"
	"collabEditor/internal/store"
)

const (
	// 心跳间隔 30s；逻辑 TTL 给 3 个间隔的余量
	heartbeatInterval = 30 * time.Second
	presenceTTL       = 3 * heartbeatInterval
	// 鉴权必须是第一条消息，限时完成
	authTimeout = 10 * time.Second
)

// 依赖接口都声明在消费方，store 的具体实现注入进来
type DocumentStore interface {
	GetDocument(ctx context.Context, docID uint64) (*store.Document, error)
	Authorize(ctx context.Context, userID, docID uint64) error
}

type VersionStore interface {
	Save(ctx context.Context, docID uint64, content string, userID uint64) (*store.DocumentVersion, error)
	CreateManualVersion(ctx context.Context, docID uint64, content string, userID uint64, description string) (*store.DocumentVersion, error)
}

type LockStore interface {
	Acquire(ctx context.Context, docID, userID uint64) error
	Release(ctx context.Context, docID, userID uint64) error
}

// Deps 协议层用到的全部外部依赖。Presence / Events 可为 nil（降级运行）。
type Deps struct {
	Docs     DocumentStore
	Versions VersionStore
	Locks    LockStore
	Presence cache.PresenceCache
	Events   *collab.KafkaDispatcher
}

type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	deps   Deps
	docID  uint64
	userID uint64
	// username 来自 token claims，鉴权后填充
	username string
	authed   bool

	// sendMu 保护 send 的关闭：收尾广播（user_left 等）可能和
	// 别的连接的收尾并发往这条 send 投递，关闭必须与入队互斥
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, deps Deps, docID uint64) *Conn {
	return &Conn{ws: ws, hub: hub, deps: deps, docID: docID, send: make(chan OutboundMessage, 32)}
}

// enqueue 非阻塞投递：队列满直接丢，慢连接不拖累房间。
// 已关闭的连接静默丢弃。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// closeSend 幂等关闭 send，之后的 enqueue 变成 no-op
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) closeSocket() {
	_ = c.ws.Close()
}

// readLoop 先鉴权再进协议循环；返回即触发收尾清理
func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.teardown(ctx)

	if !c.authenticate(ctx) {
		return
	}

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, doc=%d): %v", c.userID, c.docID, err)
			return
		}
		switch msg.Type {
		case "operation":
			c.handleOperation(msg.Operation)
		case "cursor_update":
			c.handleCursorUpdate(ctx, msg.Position, msg.Selection)
		case "save_document":
			c.handleSave(ctx, msg.Content, msg.Description)
		case "heartbeat":
			c.handleHeartbeat(ctx)
		default:
			// 未知类型忽略，回一条提示
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// authenticate 处理首条 authenticate 消息。
// 失败（坏 token、无权限、文档不存在）一律不建房间状态，直接断开。
func (c *Conn) authenticate(ctx context.Context) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	var msg ClientMessage
	if err := c.ws.ReadJSON(&msg); err != nil {
		log.Printf("auth read error (doc=%d): %v", c.docID, err)
		return false
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	if msg.Type != "authenticate" || msg.Token == "" {
		c.writeDirect(ServerMessage{Type: "error", Content: "AUTH_REQUIRED"})
		return false
	}
	claims, err := authservice.ParseAccessToken(msg.Token)
	if err != nil {
		c.writeDirect(ServerMessage{Type: "error", Content: "INVALID_TOKEN"})
		return false
	}
	if err := c.deps.Docs.Authorize(ctx, claims.UserID, c.docID); err != nil {
		log.Printf("authorize failed user=%d doc=%d: %v", claims.UserID, c.docID, err)
		c.writeDirect(ServerMessage{Type: "error", Content: "FORBIDDEN"})
		return false
	}

	doc, err := c.deps.Docs.GetDocument(ctx, c.docID)
	if err != nil {
		c.writeDirect(ServerMessage{Type: "error", Content: "DOCUMENT_NOT_FOUND"})
		return false
	}

	c.userID = claims.UserID
	c.username = claims.Username
	c.authed = true

	// 编辑锁和 presence 都是咨询性的：失败记日志，不阻断加入
	if c.deps.Locks != nil {
		if err := c.deps.Locks.Acquire(ctx, c.docID, c.userID); err != nil {
			log.Printf("file lock acquire error user=%d doc=%d: %v", c.userID, c.docID, err)
		}
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.AddMember(ctx, c.docID, c.userID, c.username, presenceTTL); err != nil {
			log.Printf("presence add error: %v", err)
		}
	}

	sess := &DocumentSession{
		DocID:        c.docID,
		UserID:       c.userID,
		Username:     c.username,
		LastActivity: time.Now(),
	}
	content, users := c.hub.Join(c.docID, c, sess, doc.Content)

	// 先通知其他人，再给新人发全量状态
	c.hub.BroadcastOthers(c.docID, c, UserEventMessage{
		Type: "user_joined", UserID: c.userID, UserName: c.username, ActiveUsers: users,
	})
	c.enqueue(DocumentStateMessage{Type: "document_state", Content: content, ActiveUsers: users})
	return true
}

func (c *Conn) handleOperation(operation *op.Operation) {
	if err := op.Validate(operation); err != nil {
		// 坏操作本地兜住：丢弃 + 提示，不污染共享缓冲区
		log.Printf("drop malformed operation user=%d doc=%d: %v", c.userID, c.docID, err)
		c.enqueue(ServerMessage{Type: "error", Content: "MALFORMED_OPERATION"})
		return
	}
	// 服务端盖章
	operation.UserID = c.userID
	operation.Timestamp = time.Now()
	c.hub.Touch(c.docID, c.userID)

	if err := c.hub.ApplyOperation(c.docID, operation); err != nil {
		log.Printf("drop out-of-range operation user=%d doc=%d: %v", c.userID, c.docID, err)
		c.enqueue(ServerMessage{Type: "error", Content: "MALFORMED_OPERATION"})
		return
	}

	c.hub.BroadcastOthers(c.docID, c, OperationMessage{Type: "operation", Operation: operation})

	if c.deps.Events != nil {
		c.deps.Events.Enqueue(collab.DocEvent{
			EventType:  collab.EventOpApplied,
			DocID:      formatDocID(c.docID),
			UserID:     c.userID,
			Operation:  operation,
			OccurredAt: operation.Timestamp,
		})
	}
}

func (c *Conn) handleCursorUpdate(ctx context.Context, position int, selection *Range) {
	if position < 0 || !selection.Valid() {
		return
	}
	c.hub.UpdateCursor(c.docID, c.userID, position, selection)
	c.hub.BroadcastOthers(c.docID, c, CursorMessage{
		Type: "cursor_update", UserID: c.userID, Position: position, Selection: selection,
	})
	// Redis 光标镜像，带外工具用
	if c.deps.Presence != nil {
		payload, err := json.Marshal(CursorMessage{Type: "cursor_update", UserID: c.userID, Position: position, Selection: selection})
		if err == nil {
			if err := c.deps.Presence.SetCursor(ctx, c.docID, c.userID, payload, presenceTTL); err != nil {
				log.Printf("presence cursor error: %v", err)
			}
		}
	}
}

// handleSave 保存失败不致命：广播 save_error，编辑继续，下个周期重试
func (c *Conn) handleSave(ctx context.Context, content, description string) {
	c.hub.Touch(c.docID, c.userID)
	var version *store.DocumentVersion
	var err error
	if description != "" {
		version, err = c.deps.Versions.CreateManualVersion(ctx, c.docID, content, c.userID, description)
	} else {
		version, err = c.deps.Versions.Save(ctx, c.docID, content, c.userID)
	}
	if err != nil {
		log.Printf("save error user=%d doc=%d: %v", c.userID, c.docID, err)
		c.hub.BroadcastAll(c.docID, SaveErrorMessage{Type: "save_error", Error: "SAVE_FAILED"})
		return
	}

	// 房间缓冲区对齐落库内容。保存请求到这里之间并发到达的操作
	// 会被这次对齐覆盖，靠后续编辑重新收敛
	c.hub.ResetContent(c.docID, content)
	c.hub.BroadcastAll(c.docID, DocumentSavedMessage{
		Type: "document_saved", Version: version.VersionNumber, SavedBy: c.userID, Timestamp: version.CreatedAt,
	})

	if c.deps.Events != nil {
		c.deps.Events.Enqueue(collab.DocEvent{
			EventType:  collab.EventDocSaved,
			DocID:      formatDocID(c.docID),
			UserID:     c.userID,
			Version:    version.VersionNumber,
			OccurredAt: version.CreatedAt,
		})
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	c.hub.Touch(c.docID, c.userID)
	if c.deps.Presence != nil {
		if err := c.deps.Presence.AddMember(ctx, c.docID, c.userID, c.username, presenceTTL); err != nil {
			log.Printf("presence refresh error: %v", err)
		}
	}
	c.enqueue(ServerMessage{Type: "heartbeat_ack"})
}

// teardown 连接收尾：清会话、释放锁、广播 user_left
func (c *Conn) teardown(ctx context.Context) {
	if !c.authed {
		return
	}
	users := c.hub.Leave(c.docID, c, c.userID)
	if c.deps.Locks != nil {
		if err := c.deps.Locks.Release(ctx, c.docID, c.userID); err != nil {
			log.Printf("file lock release error user=%d doc=%d: %v", c.userID, c.docID, err)
		}
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.RemoveMember(ctx, c.docID, c.userID); err != nil {
			log.Printf("presence remove error: %v", err)
		}
	}
	c.hub.BroadcastOthers(c.docID, c, UserEventMessage{
		Type: "user_left", UserID: c.userID, UserName: c.username, ActiveUsers: users,
	})
}

// writeDirect 鉴权阶段 writeLoop 还没开始消费，直接写
func (c *Conn) writeDirect(msg OutboundMessage) {
	_ = c.ws.WriteJSON(msg)
}

// writeLoop 持续消费 send 通道；通道关闭后关 socket
func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
	_ = c.ws.Close()
}

func formatDocID(docID uint64) string {
	return strconv.FormatUint(docID, 10)
}
