package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→username 映射（Hash）
// - cursorKey:        光标镜像（String，JSON，带 TTL）

const (
	keyRoomFmt   = "presence:room:{docID:%d}"
	keyNamesFmt  = "presence:room:names:{docID:%d}"
	keyCursorFmt = "presence:cursor:%d:%d"
)

func roomKey(docID uint64) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID uint64) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
