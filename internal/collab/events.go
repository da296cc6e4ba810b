package collab

import (
	"time"

	"collabEditor/internal/op"
)

const (
	EventOpApplied = "OP_APPLIED"
	EventDocSaved  = "DOC_SAVED"
)

// DocEvent 是发往 Kafka 审计流的文档事件，按 docId 做分区 key。
// 广播链路不依赖它，丢失不影响正确性。
type DocEvent struct {
	EventType  string        `json:"eventType"` // OP_APPLIED / DOC_SAVED
	DocID      string        `json:"docId"`
	UserID     uint64        `json:"userId"`
	Operation  *op.Operation `json:"operation,omitempty"` // OP_APPLIED 时携带
	Version    uint64        `json:"version,omitempty"`   // DOC_SAVED 时携带
	OccurredAt time.Time     `json:"occurredAt"`
}
