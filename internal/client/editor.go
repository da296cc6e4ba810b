package client

import (
	"log"
	"sync"
	"time"

	"collabEditor/internal/op"
	"collabEditor/internal/ws"
)

// Transport 是 Editor 对连接层的最小依赖，测试注入假实现
type Transport interface {
	SendOperation(*op.Operation)
	UpdateCursor(position int, selection *ws.Range)
	SaveDocument(content string)
	IsConnected() bool
}

const defaultAutosaveDelay = 2 * time.Second

// Editor 把连接、codec、presence 拼成 UI 消费的单一状态面：
// 内容 / 在线用户 / 连接状态 / 未保存标记 / 最近保存版本。
type Editor struct {
	transport Transport

	mu               sync.Mutex
	content          string
	activeUsers      map[uint64]ws.ActiveUser
	hasUnsaved       bool
	lastSavedVersion uint64

	autosaveDelay time.Duration
	autosaveTimer *time.Timer
}

func NewEditor(transport Transport) *Editor {
	return &Editor{
		transport:     transport,
		activeUsers:   make(map[uint64]ws.ActiveUser),
		autosaveDelay: defaultAutosaveDelay,
	}
}

// NewEditorWithConnection 组装 Editor + Connection 并互相接线。
// 返回后调用 conn.Connect(ctx, docID) 启动。
func NewEditorWithConnection(baseURL, token string) (*Editor, *Connection) {
	editor := NewEditor(nil)
	conn := NewConnection(baseURL, token, editor.Handlers())
	editor.transport = conn
	return editor, conn
}

func (e *Editor) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

func (e *Editor) ActiveUsers() []ws.ActiveUser {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]ws.ActiveUser, 0, len(e.activeUsers))
	for _, u := range e.activeUsers {
		users = append(users, u)
	}
	return users
}

func (e *Editor) IsConnected() bool { return e.transport.IsConnected() }

func (e *Editor) HasUnsavedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasUnsaved
}

func (e *Editor) LastSavedVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSavedVersion
}

// SetContent 本地编辑入口：对旧内容做 diff 发操作，
// 光标单独上报——两条独立消息，不是一个原子单元。
func (e *Editor) SetContent(newContent string, cursorPosition int, selection *ws.Range) {
	e.mu.Lock()
	old := e.content
	e.content = newContent
	changed := old != newContent
	if changed {
		e.hasUnsaved = true
	}
	e.mu.Unlock()

	if changed {
		if operation := op.Diff(old, newContent); operation != nil {
			e.transport.SendOperation(operation)
		}
		e.scheduleAutosave()
	}
	e.transport.UpdateCursor(cursorPosition, selection)
}

// scheduleAutosave 2s 静默期后保存；期间再有编辑就重新计时
func (e *Editor) scheduleAutosave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autosaveTimer != nil {
		e.autosaveTimer.Stop()
	}
	e.autosaveTimer = time.AfterFunc(e.autosaveDelay, e.autosave)
}

func (e *Editor) autosave() {
	e.mu.Lock()
	dirty := e.hasUnsaved
	content := e.content
	e.mu.Unlock()
	if !dirty || !e.transport.IsConnected() {
		return
	}
	e.transport.SaveDocument(content)
}

// ApplyRemoteOperation 远端操作落到本地缓冲区。
// 坏操作留缓冲区不动，只记日志（本地光标不做位移修正，保持现状）。
func (e *Editor) ApplyRemoteOperation(operation *op.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := op.Apply(e.content, operation)
	if err != nil {
		log.Printf("drop remote operation: %v", err)
		return
	}
	e.content = next
}

// HandleDocumentState 采用服务端真相（含重连场景）。
// 未保存的本地缓冲区有意不重新提交，避免重连风暴。
func (e *Editor) HandleDocumentState(content string, users []ws.ActiveUser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content = content
	e.hasUnsaved = false
	e.activeUsers = make(map[uint64]ws.ActiveUser, len(users))
	for _, u := range users {
		e.activeUsers[u.UserID] = u
	}
}

func (e *Editor) HandleUserJoined(userID uint64, userName string, users []ws.ActiveUser) {
	e.replaceUsers(users)
}

func (e *Editor) HandleUserLeft(userID uint64, users []ws.ActiveUser) {
	e.replaceUsers(users)
}

func (e *Editor) HandleCursor(userID uint64, position int, selection *ws.Range) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.activeUsers[userID]; ok {
		u.CursorPosition = position
		u.Selection = selection
		e.activeUsers[userID] = u
	}
}

func (e *Editor) HandleDocumentSaved(version, savedBy uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasUnsaved = false
	e.lastSavedVersion = version
}

func (e *Editor) replaceUsers(users []ws.ActiveUser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeUsers = make(map[uint64]ws.ActiveUser, len(users))
	for _, u := range users {
		e.activeUsers[u.UserID] = u
	}
}

// Handlers 把 Editor 的处理方法接到 Connection 的回调上
func (e *Editor) Handlers() Handlers {
	return Handlers{
		OnDocumentState: e.HandleDocumentState,
		OnOperation:     e.ApplyRemoteOperation,
		OnCursor:        e.HandleCursor,
		OnUserJoined:    e.HandleUserJoined,
		OnUserLeft:      e.HandleUserLeft,
		OnDocumentSaved: e.HandleDocumentSaved,
		OnSaveError: func(msg string) {
			log.Printf("save error: %s", msg)
		},
	}
}
