package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabEditor/internal/store"
)

// 依赖接口声明在消费方，具体 store 实现注入进来
type DocumentStore interface {
	GetDocument(ctx context.Context, docID uint64) (*store.Document, error)
	Authorize(ctx context.Context, userID, docID uint64) error
}

type VersionStore interface {
	ListVersions(ctx context.Context, docID uint64) ([]store.DocumentVersion, error)
	GetVersion(ctx context.Context, docID, versionNumber uint64) (*store.DocumentVersion, error)
	CreateManualVersion(ctx context.Context, docID uint64, content string, userID uint64, description string) (*store.DocumentVersion, error)
}

type LockStore interface {
	ActiveLocks(ctx context.Context, docID uint64) ([]store.FileLock, error)
}

type Handler struct {
	docs     DocumentStore
	versions VersionStore
	locks    LockStore
}

func NewHandler(docs DocumentStore, versions VersionStore, locks LockStore) *Handler {
	return &Handler{docs: docs, versions: versions, locks: locks}
}

// 从 gin.Context 取用户信息；gin.Context 对每个请求天然隔离
func callerID(c *gin.Context) (uint64, bool) {
	userID, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "User context missing"})
		return 0, false
	}
	uid, ok := userID.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "Invalid user ID format"})
		return 0, false
	}
	return uid, true
}

func docIDParam(c *gin.Context) (uint64, bool) {
	docID, err := strconv.ParseUint(c.Param("docID"), 10, 64)
	if err != nil || docID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid document id"})
		return 0, false
	}
	return docID, true
}

// authorize 复用 WebSocket 同一条授权边界
func (h *Handler) authorize(c *gin.Context, userID, docID uint64) bool {
	err := h.docs.Authorize(c.Request.Context(), userID, docID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document not found"})
	case errors.Is(err, store.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "not a project member"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
	return false
}

func (h *Handler) GetDocument(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	if !h.authorize(c, userID, docID) {
		return
	}
	doc, err := h.docs.GetDocument(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) ListVersions(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	if !h.authorize(c, userID, docID) {
		return
	}
	versions, err := h.versions.ListVersions(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "versions": versions})
}

// GetVersion 单个版本明细
func (h *Handler) GetVersion(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	versionNumber, err := strconv.ParseUint(c.Param("n"), 10, 64)
	if err != nil || versionNumber == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid version number"})
		return
	}
	if !h.authorize(c, userID, docID) {
		return
	}
	version, err := h.versions.GetVersion(c.Request.Context(), docID, versionNumber)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "version not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, version)
}

type createVersionRequest struct {
	Content     string `json:"content" binding:"required"`
	Description string `json:"description"`
}

// CreateManualVersion 手动存档，描述由调用方提供
func (h *Handler) CreateManualVersion(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	if !h.authorize(c, userID, docID) {
		return
	}

	var req createVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	version, err := h.versions.CreateManualVersion(c.Request.Context(), docID, req.Content, userID, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SAVE_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, version)
}

// ListLocks 只返回未过期的编辑锁
func (h *Handler) ListLocks(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	docID, ok := docIDParam(c)
	if !ok {
		return
	}
	if !h.authorize(c, userID, docID) {
		return
	}
	locks, err := h.locks.ActiveLocks(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "locks": locks})
}
