package ws

import (
	"time"

	"collabEditor/internal/op"
)

// Range 选区，约定 0 <= Start <= End
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r *Range) Valid() bool {
	return r == nil || (r.Start >= 0 && r.Start <= r.End)
}

// ActiveUser 在线用户及其光标状态（document_state / user_joined 里携带）
type ActiveUser struct {
	UserID         uint64 `json:"userId"`
	UserName       string `json:"userName"`
	CursorPosition int    `json:"cursorPosition"`
	Selection      *Range `json:"selection,omitempty"`
}

// ClientMessage 客户端入站消息的统一信封，按 Type 分发
type ClientMessage struct {
	Type string `json:"type"`
	// authenticate
	Token string `json:"token,omitempty"`
	// operation
	Operation *op.Operation `json:"operation,omitempty"`
	// cursor_update
	Position  int    `json:"position,omitempty"`
	Selection *Range `json:"selection,omitempty"`
	// save_document
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"` // 非空时走手动存档
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string        { return m.Type }
func (m DocumentStateMessage) MessageType() string { return m.Type }
func (m OperationMessage) MessageType() string     { return m.Type }
func (m CursorMessage) MessageType() string        { return m.Type }
func (m UserEventMessage) MessageType() string     { return m.Type }
func (m DocumentSavedMessage) MessageType() string { return m.Type }
func (m SaveErrorMessage) MessageType() string     { return m.Type }

// ServerMessage 泛用出站消息：error / heartbeat_ack
type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// DocumentStateMessage 只发给刚完成鉴权的连接
type DocumentStateMessage struct {
	Type        string       `json:"type"` // 固定 "document_state"
	Content     string       `json:"content"`
	ActiveUsers []ActiveUser `json:"activeUsers"`
}

// OperationMessage 广播给同文档其他连接（发送方不回显）
type OperationMessage struct {
	Type      string        `json:"type"` // 固定 "operation"
	Operation *op.Operation `json:"operation"`
}

type CursorMessage struct {
	Type      string `json:"type"` // 固定 "cursor_update"
	UserID    uint64 `json:"userId"`
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

// UserEventMessage user_joined / user_left
type UserEventMessage struct {
	Type        string       `json:"type"`
	UserID      uint64       `json:"userId"`
	UserName    string       `json:"userName,omitempty"`
	ActiveUsers []ActiveUser `json:"activeUsers"`
}

type DocumentSavedMessage struct {
	Type      string    `json:"type"` // 固定 "document_saved"
	Version   uint64    `json:"version"`
	SavedBy   uint64    `json:"savedBy"`
	Timestamp time.Time `json:"timestamp"`
}

type SaveErrorMessage struct {
	Type  string `json:"type"` // 固定 "save_error"
	Error string `json:"error"`
}
