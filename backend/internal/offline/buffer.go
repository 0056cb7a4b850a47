package offline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// 存储层故障统一以该哨兵错误向上传播，由调用方决定重试或放弃
var ErrStorageUnavailable = errors.New("STORAGE_UNAVAILABLE")

// Buffer 断线期间的持久化发送队列：按文档 ID 分桶，
// 桶内键用单调递增序号编码，保证 FIFO——后产生的操作假定前面的
// 操作已经在本地生效，重放乱序会直接破坏收敛，所以顺序是正确性要求。
type Buffer struct {
	db *bolt.DB
}

func Open(path string) (*Buffer, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	return &Buffer{db: db}, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// Enqueue 追加一条待发送的消息载荷
func (b *Buffer) Enqueue(docID string, payload []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		// 大端序让字节序等于数值序，游标遍历天然就是入队顺序
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], payload)
	})
	if err != nil {
		return fmt.Errorf("%w: enqueue doc=%s: %v", ErrStorageUnavailable, docID, err)
	}
	return nil
}

// Drain 按入队顺序读出全部待发送条目。只读不删：
// 确认处理完成后由调用方用 Clear 清空。
func (b *Buffer) Drain(docID string) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(docID))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: drain doc=%s: %v", ErrStorageUnavailable, docID, err)
	}
	return out, nil
}

// ClearFirst 按入队顺序删除最早的 n 条。配合 Drain 使用：
// Drain 取走多少就删多少，两次调用之间新入队的条目原样保留。
func (b *Buffer) ClearFirst(docID string, n int) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(docID))
		if bkt == nil {
			return nil
		}
		cur := bkt.Cursor()
		for k, _ := cur.First(); k != nil && n > 0; k, _ = cur.Next() {
			if err := cur.Delete(); err != nil {
				return err
			}
			n--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: clear first doc=%s: %v", ErrStorageUnavailable, docID, err)
	}
	return nil
}

// Clear 清空指定文档的队列
func (b *Buffer) Clear(docID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(docID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: clear doc=%s: %v", ErrStorageUnavailable, docID, err)
	}
	return nil
}
