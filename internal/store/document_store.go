package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrUnauthorized     = errors.New("UNAUTHORIZED")
)

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID uint64) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, projectID, ownerID uint64, title string) (*Document, error) {
	doc := &Document{ProjectID: projectID, OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// Authorize 校验 userID 属于文档所在项目。失败时不建立任何会话状态。
func (s *DocumentStore) Authorize(ctx context.Context, userID, docID uint64) error {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&ProjectMember{}).
		Where("project_id = ? AND user_id = ?", doc.ProjectID, userID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUnauthorized
	}
	return nil
}
