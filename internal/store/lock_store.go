package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockTTL 编辑锁滑动窗口
const LockTTL = 30 * time.Minute

type LockStore struct{ db *gorm.DB }

func NewLockStore(db *gorm.DB) *LockStore {
	return &LockStore{db: db}
}

// Acquire upsert (documentId, userId) 的锁并续满 TTL。
// 咨询性质，不参与广播正确性，失败只记日志不阻断加入。
func (s *LockStore) Acquire(ctx context.Context, docID, userID uint64) error {
	now := time.Now()
	lock := FileLock{
		DocumentID: docID,
		UserID:     userID,
		LockedAt:   now,
		ExpiresAt:  now.Add(LockTTL),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"locked_at", "expires_at"}),
	}).Create(&lock).Error
}

func (s *LockStore) Release(ctx context.Context, docID, userID uint64) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&FileLock{}).Error
}

// ActiveLocks 只返回未过期的锁：过期行即便还在表里也视为不存在
func (s *LockStore) ActiveLocks(ctx context.Context, docID uint64) ([]FileLock, error) {
	var locks []FileLock
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND expires_at > ?", docID, time.Now()).
		Find(&locks).Error
	return locks, err
}
