package store

import "time"

// Document 当前内容。Content 只存最新值，历史在 document_versions。
type Document struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID uint64    `gorm:"index" json:"projectId"`
	OwnerID   uint64    `json:"ownerId"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Content   string    `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentVersion 按文档严格递增、无空洞的追加日志，落库后不可变
type DocumentVersion struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID        uint64    `gorm:"uniqueIndex:idx_doc_version" json:"documentId"`
	VersionNumber     uint64    `gorm:"uniqueIndex:idx_doc_version" json:"versionNumber"`
	Content           string    `gorm:"type:longtext" json:"content"`
	ContentHash       string    `gorm:"type:char(64)" json:"contentHash"` // sha256 hex
	CreatedBy         uint64    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
	ChangeDescription string    `gorm:"type:varchar(255)" json:"changeDescription"`
	FileSizeBytes     int64     `json:"fileSizeBytes"`
}

// FileLock 咨询性编辑锁：过期即视为不存在，读取方必须检查 ExpiresAt
type FileLock struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID uint64    `gorm:"uniqueIndex:idx_doc_user" json:"documentId"`
	UserID     uint64    `gorm:"uniqueIndex:idx_doc_user" json:"userId"`
	LockedAt   time.Time `json:"lockedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l *FileLock) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// ProjectMember 文档授权边界：用户必须属于文档所在项目
type ProjectMember struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ProjectID uint64 `gorm:"uniqueIndex:idx_project_user"`
	UserID    uint64 `gorm:"uniqueIndex:idx_project_user"`
}
