package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"docsync/backend/internal/collab"

	"gorm.io/gorm"
)

// Document documents 表的 gorm 模型。
// Collaborators 按 JSON 数组存一列（低频读写，不值得拆关联表）
type Document struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string
	Title         string
	Content       string `gorm:"type:longtext"`
	Collaborators string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var ErrDocumentNotFound = errors.New("document not found")

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// GetDocument 读单个文档的元数据（实现 collab.MetadataStore）
func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (collab.DocumentMeta, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.DocumentMeta{}, ErrDocumentNotFound
	}
	if err != nil {
		return collab.DocumentMeta{}, err
	}

	var collaborators []string
	if doc.Collaborators != "" {
		// 列里存的是历史数据时可能不是合法 JSON，解析失败按空集处理
		_ = json.Unmarshal([]byte(doc.Collaborators), &collaborators)
	}
	return collab.DocumentMeta{
		ID:            doc.ID,
		OwnerID:       doc.OwnerID,
		Title:         doc.Title,
		Content:       doc.Content,
		Collaborators: collaborators,
	}, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, docID, ownerID, title string) error {
	return s.db.WithContext(ctx).Create(&Document{
		ID:      docID,
		OwnerID: ownerID,
		Title:   title,
	}).Error
}

// UpdateContent 把内存里的权威内容写回 documents 表
func (s *DocumentStore) UpdateContent(ctx context.Context, docID, content string, updatedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Updates(map[string]any{"content": content, "updated_at": updatedAt}).Error
}

func (s *DocumentStore) UpdateTitle(ctx context.Context, docID, title string, updatedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Updates(map[string]any{"title": title, "updated_at": updatedAt}).Error
}
