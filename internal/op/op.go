package op

import (
	"errors"
	"time"
)

type Type string

const (
	TypeInsert Type = "insert"
	TypeDelete Type = "delete"
	// retain 目前只是协议占位，应用时等价于 no-op
	TypeRetain Type = "retain"
)

var (
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
)

// Operation 描述两个文档快照之间的一次连续变更。
// Position 是针对“操作前”缓冲区的 rune 偏移（不是字节偏移）。
type Operation struct {
	Type     Type   `json:"type"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"` // insert 必填
	Length   int    `json:"length,omitempty"`  // delete 必填
	// 服务端广播时补充
	UserID    uint64    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Diff 从左侧扫描第一个不同的 rune，产出单条 insert 或 delete。
// 等长（包括等长替换）返回 nil：该编辑对 codec 不可见，
// 是否修复属于产品决策，这里保持现状。
func Diff(oldText, newText string) *Operation {
	if oldText == newText {
		return nil
	}
	o := []rune(oldText)
	n := []rune(newText)
	if len(o) == len(n) {
		return nil
	}

	// 第一个不同位置；其中一个先走完时 idx 停在较短串的末尾
	idx := 0
	for idx < len(o) && idx < len(n) && o[idx] == n[idx] {
		idx++
	}

	if len(n) > len(o) {
		inserted := len(n) - len(o)
		return &Operation{
			Type:     TypeInsert,
			Position: idx,
			Content:  string(n[idx : idx+inserted]),
		}
	}
	return &Operation{
		Type:     TypeDelete,
		Position: idx,
		Length:   len(o) - len(n),
	}
}

// Validate 检查必填字段与取值范围。超出缓冲区的 position
// 交给 Apply 做钳制，这里只拦截结构上不合法的操作。
func Validate(operation *Operation) error {
	if operation == nil {
		return ErrInvalidOperation
	}
	if operation.Position < 0 {
		return ErrInvalidOperation
	}
	switch operation.Type {
	case TypeInsert:
		if operation.Content == "" {
			return ErrInvalidOperation
		}
	case TypeDelete:
		if operation.Length <= 0 {
			return ErrInvalidOperation
		}
	case TypeRetain:
		// no-op
	default:
		return ErrInvalidOperation
	}
	return nil
}

// Apply 把操作应用到 text 上，返回新文本。
// 失败时返回原文本不变 + 错误：越界一律钳制到合法范围，
// 绝不让一条坏操作把共享缓冲区打坏。
func Apply(text string, operation *Operation) (string, error) {
	if err := Validate(operation); err != nil {
		return text, err
	}
	r := []rune(text)

	switch operation.Type {
	case TypeInsert:
		pos := operation.Position
		if pos > len(r) {
			pos = len(r)
		}
		out := make([]rune, 0, len(r)+len([]rune(operation.Content)))
		out = append(out, r[:pos]...)
		out = append(out, []rune(operation.Content)...)
		out = append(out, r[pos:]...)
		return string(out), nil

	case TypeDelete:
		pos := operation.Position
		if pos >= len(r) {
			// 整个删除范围都在缓冲区之外，丢弃
			return text, ErrInvalidOperation
		}
		end := pos + operation.Length
		if end > len(r) {
			end = len(r)
		}
		out := make([]rune, 0, len(r)-(end-pos))
		out = append(out, r[:pos]...)
		out = append(out, r[end:]...)
		return string(out), nil

	case TypeRetain:
		return text, nil
	}
	return text, ErrInvalidOperation
}
