package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore 驱逐文档前落一份内容快照（实现 collab.SnapshotStore）。
// 走原生 SQL：这条路径只有一条追加语句，不需要 ORM。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID, content string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, content, updated_at)
		VALUES (?, ?, ?)`,
		docID,
		content,
		updatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一时刻重复落盘不算错
			return nil
		}
		return err
	}
	return nil
}
