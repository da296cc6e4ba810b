package collab

// Buffer 是房间持有的文档内容缓冲区。
// 位置一律是 rune 偏移，与 op 包保持一致。
type Buffer interface {
	Len() int
	Insert(pos int, text string) error
	Delete(pos, length int) error
	String() string
	// Reset 用持久化后的内容整体替换缓冲区
	Reset(content string)
}
