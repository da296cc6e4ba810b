package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabEditor/internal/op"
	"collabEditor/internal/ws"
)

type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

var (
	ErrMaxReconnect   = errors.New("RECONNECT_EXHAUSTED")
	ErrAuthRejected   = errors.New("AUTH_REJECTED")
	ErrAlreadyStarted = errors.New("CONNECTION_ALREADY_STARTED")
)

// Handlers 服务端事件回调。未设置的回调直接跳过。
type Handlers struct {
	OnStateChange   func(State)
	OnDocumentState func(content string, users []ws.ActiveUser)
	OnOperation     func(*op.Operation)
	OnCursor        func(userID uint64, position int, selection *ws.Range)
	OnUserJoined    func(userID uint64, userName string, users []ws.ActiveUser)
	OnUserLeft      func(userID uint64, users []ws.ActiveUser)
	OnDocumentSaved func(version, savedBy uint64)
	OnSaveError     func(string)
	OnTerminalError func(error)
}

// inbound 服务端出站消息的并集，按 type 二次分发
type inbound struct {
	Type        string          `json:"type"`
	Content     string          `json:"content"`
	ActiveUsers []ws.ActiveUser `json:"activeUsers"`
	Operation   *op.Operation   `json:"operation"`
	UserID      uint64          `json:"userId"`
	UserName    string          `json:"userName"`
	Position    int             `json:"position"`
	Selection   *ws.Range       `json:"selection"`
	Version     uint64          `json:"version"`
	SavedBy     uint64          `json:"savedBy"`
	Error       string          `json:"error"`
}

// Connection 单客户端的 socket 生命周期：
// idle → connecting → authenticating → connected → reconnecting → closed。
// 握手期带不了自定义 Header，token 由第一条 authenticate 消息声明。
type Connection struct {
	baseURL string // 如 ws://host:port/collab/ws
	token   string

	handlers Handlers

	// 重连退避：2^attempt * backoffBase，最多 maxAttempts 次
	maxAttempts int
	backoffBase time.Duration
	// 心跳周期（无应答超时检测，已知弱点，保持现状）
	heartbeatEvery time.Duration

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	docID uint64
	// 显式 Close 后不再重连
	stopped bool

	// gorilla 要求单写者
	wmu sync.Mutex
}

func NewConnection(baseURL, token string, handlers Handlers) *Connection {
	return &Connection{
		baseURL:        baseURL,
		token:          token,
		handlers:       handlers,
		maxAttempts:    5,
		backoffBase:    time.Second,
		heartbeatEvery: 30 * time.Second,
		state:          StateIdle,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

// Connect 从 idle（或终态 closed）重新启动状态机，非阻塞
func (c *Connection) Connect(ctx context.Context, docID uint64) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.docID = docID
	c.stopped = false
	c.state = StateConnecting
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

func (c *Connection) run(ctx context.Context) {
	attempt := 0
	for {
		c.setState(StateConnecting)
		url := fmt.Sprintf("%s?docId=%d", c.baseURL, c.docID)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if !c.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.setState(StateAuthenticating)
		if err := c.write(map[string]any{"type": "authenticate", "token": c.token}); err != nil {
			_ = conn.Close()
			if !c.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		fatal := c.readLoop(ctx, conn, &attempt)
		_ = conn.Close()
		if fatal || c.isStopped() {
			return
		}
		if !c.backoff(ctx, &attempt) {
			return
		}
	}
}

// readLoop 返回 true 表示终态（鉴权被拒/显式关闭），不再重连
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, attempt *int) bool {
	stopHeartbeat := make(chan struct{})
	heartbeatStarted := false
	defer func() {
		if heartbeatStarted {
			close(stopHeartbeat)
		}
	}()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if c.isStopped() {
				return true
			}
			log.Printf("client read error (doc=%d): %v", c.docID, err)
			return false
		}

		switch msg.Type {
		case "document_state":
			// 鉴权成功的标志；重连也走这里，直接采用服务端真相
			*attempt = 0
			c.setState(StateConnected)
			if !heartbeatStarted {
				heartbeatStarted = true
				go c.heartbeatLoop(stopHeartbeat)
			}
			if c.handlers.OnDocumentState != nil {
				c.handlers.OnDocumentState(msg.Content, msg.ActiveUsers)
			}
		case "operation":
			if c.handlers.OnOperation != nil {
				c.handlers.OnOperation(msg.Operation)
			}
		case "cursor_update":
			if c.handlers.OnCursor != nil {
				c.handlers.OnCursor(msg.UserID, msg.Position, msg.Selection)
			}
		case "user_joined":
			if c.handlers.OnUserJoined != nil {
				c.handlers.OnUserJoined(msg.UserID, msg.UserName, msg.ActiveUsers)
			}
		case "user_left":
			if c.handlers.OnUserLeft != nil {
				c.handlers.OnUserLeft(msg.UserID, msg.ActiveUsers)
			}
		case "document_saved":
			if c.handlers.OnDocumentSaved != nil {
				c.handlers.OnDocumentSaved(msg.Version, msg.SavedBy)
			}
		case "save_error":
			if c.handlers.OnSaveError != nil {
				c.handlers.OnSaveError(msg.Error)
			}
		case "heartbeat_ack":
			// 收到与否都不致命：客户端不做应答超时
		case "error":
			if c.State() == StateAuthenticating {
				// 鉴权失败是连接级终态，不自动重试
				c.setState(StateClosed)
				if c.handlers.OnTerminalError != nil {
					c.handlers.OnTerminalError(fmt.Errorf("%w: %s", ErrAuthRejected, msg.Content))
				}
				return true
			}
			log.Printf("server error (doc=%d): %s", c.docID, msg.Content)
		}
	}
}

// backoff 指数退避后允许下一轮重连；次数用尽转 closed 并报终态错误
func (c *Connection) backoff(ctx context.Context, attempt *int) bool {
	if c.isStopped() {
		return false
	}
	*attempt++
	if *attempt > c.maxAttempts {
		c.setState(StateClosed)
		if c.handlers.OnTerminalError != nil {
			c.handlers.OnTerminalError(ErrMaxReconnect)
		}
		return false
	}
	c.setState(StateReconnecting)
	delay := c.backoffBase * time.Duration(1<<uint(*attempt))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		c.setState(StateClosed)
		return false
	}
}

func (c *Connection) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			_ = c.write(map[string]any{"type": "heartbeat"})
		}
	}
}

// SendOperation 非 connected 状态静默丢弃：调用方不能假设必达
func (c *Connection) SendOperation(operation *op.Operation) {
	if c.State() != StateConnected {
		return
	}
	_ = c.write(map[string]any{"type": "operation", "operation": operation})
}

func (c *Connection) UpdateCursor(position int, selection *ws.Range) {
	if c.State() != StateConnected {
		return
	}
	msg := map[string]any{"type": "cursor_update", "position": position}
	if selection != nil {
		msg["selection"] = selection
	}
	_ = c.write(msg)
}

func (c *Connection) SaveDocument(content string) {
	if c.State() != StateConnected {
		return
	}
	_ = c.write(map[string]any{"type": "save_document", "content": content})
}

func (c *Connection) write(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Connection) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Close 唯一的取消原语：关 socket，状态机进入终态
func (c *Connection) Close() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateClosed)
}
