package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DescriptionAutoSave = "Auto-save"

type VersionStore struct{ db *gorm.DB }

func NewVersionStore(db *gorm.DB) *VersionStore {
	return &VersionStore{db: db}
}

// Save 自动保存：更新当前内容并追加一条版本记录
func (s *VersionStore) Save(ctx context.Context, docID uint64, content string, userID uint64) (*DocumentVersion, error) {
	return s.createVersion(ctx, docID, content, userID, DescriptionAutoSave)
}

// CreateManualVersion 手动存档，描述由调用方提供
func (s *VersionStore) CreateManualVersion(ctx context.Context, docID uint64, content string, userID uint64, description string) (*DocumentVersion, error) {
	if description == "" {
		description = DescriptionAutoSave
	}
	return s.createVersion(ctx, docID, content, userID, description)
}

// createVersion 在单个事务里更新文档内容并分配下一个版本号。
// 版本号 = max(该文档已有版本号)+1，首个版本为 1。
// 对已有最大版本行加 FOR UPDATE 行锁，按文档串行化分配；
// 首版本没有可锁的行，并发竞争靠唯一索引兜底，命中 1062 重试一次。
func (s *VersionStore) createVersion(ctx context.Context, docID uint64, content string, userID uint64, description string) (*DocumentVersion, error) {
	var version *DocumentVersion
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		version, err = s.createVersionOnce(ctx, docID, content, userID, description)
		if err == nil {
			return version, nil
		}
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			continue
		}
		return nil, err
	}
	return nil, err
}

func (s *VersionStore) createVersionOnce(ctx context.Context, docID uint64, content string, userID uint64, description string) (*DocumentVersion, error) {
	version := &DocumentVersion{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).Where("id = ?", docID).
			Updates(map[string]any{"content": content, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDocumentNotFound
		}

		var last DocumentVersion
		next := uint64(1)
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", docID).
			Order("version_number DESC").
			First(&last).Error
		switch {
		case err == nil:
			next = last.VersionNumber + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 首个版本
		default:
			return err
		}

		hash := sha256.Sum256([]byte(content))
		*version = DocumentVersion{
			DocumentID:        docID,
			VersionNumber:     next,
			Content:           content,
			ContentHash:       hex.EncodeToString(hash[:]),
			CreatedBy:         userID,
			CreatedAt:         time.Now(),
			ChangeDescription: description,
			FileSizeBytes:     int64(len(content)),
		}
		return tx.Create(version).Error
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *VersionStore) ListVersions(ctx context.Context, docID uint64) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("version_number ASC").
		Find(&versions).Error
	return versions, err
}

func (s *VersionStore) GetVersion(ctx context.Context, docID, versionNumber uint64) (*DocumentVersion, error) {
	var version DocumentVersion
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version_number = ?", docID, versionNumber).
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}
