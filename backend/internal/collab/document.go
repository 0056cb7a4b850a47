package collab

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// 文档闲置多久后从内存里驱逐（期间无人连接）
const DefaultIdleTTL = 30 * time.Minute

// Participant 某文档内一个在线用户的最新状态。
// Cursor 是透传的选区 JSON，不参与文档内容。
type Participant struct {
	ID     string
	Name   string
	Cursor []byte
}

// Snapshot 文档权威状态的一份只读拷贝。
// 不变量：服务端快照 == 它广播过的全部变更按广播顺序套用的结果，
// 连接期间以它为“当前内容”的唯一事实。
type Snapshot struct {
	Content       string
	Title         string
	OwnerID       string
	Collaborators []string
	UpdatedAt     time.Time
}

// DocumentMeta 外部元数据存储提供的文档记录
type DocumentMeta struct {
	ID            string
	OwnerID       string
	Title         string
	Content       string
	Collaborators []string
}

// MetadataStore 文档元数据的外部协作方（标题/归属/协作者），按接口消费
type MetadataStore interface {
	GetDocument(ctx context.Context, docID string) (DocumentMeta, error)
}

// SnapshotStore 驱逐前落一份内容快照用
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID, content string, updatedAt time.Time) error
}

// docState 单个文档的权威状态。自带互斥锁：
// 状态变更（读→改→写→广播取数）按文档互斥，不同文档互不争锁。
type docState struct {
	mu            sync.Mutex
	content       string
	title         string
	ownerID       string
	collaborators []string
	updatedAt     time.Time
	active        map[string]*Participant
	evict         *time.Timer
}

// Manager 持有所有活跃文档的内存态。首次连接时懒创建，
// 在线集合清空后起驱逐定时器，到点仍无人则丢弃（落一次快照，尽力而为）。
type Manager struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	idleTTL time.Duration

	// 依赖注入，均允许为 nil（测试/降级场景）
	meta      MetadataStore
	snapshots SnapshotStore
}

func NewManager(meta MetadataStore, snapshots SnapshotStore, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		docs:      make(map[string]*docState),
		idleTTL:   idleTTL,
		meta:      meta,
		snapshots: snapshots,
	}
}

func (m *Manager) getOrCreate(ctx context.Context, docID string) *docState {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds != nil {
		return ds
	}

	// 创建路径才去读元数据存储，持锁前完成 IO
	title, owner, content := "Untitled Document", "", ""
	var collaborators []string
	if m.meta != nil {
		if meta, err := m.meta.GetDocument(ctx, docID); err == nil {
			title, owner, content = meta.Title, meta.OwnerID, meta.Content
			collaborators = meta.Collaborators
		} else {
			log.Printf("load document meta failed (doc=%s): %v", docID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ds = m.docs[docID]; ds == nil {
		ds = &docState{
			content:       content,
			title:         title,
			ownerID:       owner,
			collaborators: collaborators,
			updatedAt:     time.Now(),
			active:        make(map[string]*Participant),
		}
		m.docs[docID] = ds
	}
	return ds
}

// Connect 文档有新连接进来：懒创建状态、取消待决的驱逐，返回 init 用快照
func (m *Manager) Connect(ctx context.Context, docID string) Snapshot {
	ds := m.getOrCreate(ctx, docID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.evict != nil {
		ds.evict.Stop()
		ds.evict = nil
	}
	return ds.snapshotLocked()
}

func (ds *docState) snapshotLocked() Snapshot {
	collab := make([]string, len(ds.collaborators))
	copy(collab, ds.collaborators)
	return Snapshot{
		Content:       ds.content,
		Title:         ds.title,
		OwnerID:       ds.ownerID,
		Collaborators: collab,
		UpdatedAt:     ds.updatedAt,
	}
}

// Snapshot 当前权威状态（文档不存在则返回零值快照）
func (m *Manager) Snapshot(docID string) Snapshot {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return Snapshot{Title: "Untitled Document"}
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.snapshotLocked()
}

// SetContent 整文覆盖（last-writer-wins）。
// 冲突消解完全是客户端合并引擎的职责，中继只做顺序广播。
func (m *Manager) SetContent(ctx context.Context, docID, content string) Snapshot {
	ds := m.getOrCreate(ctx, docID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.content = content
	ds.updatedAt = time.Now()
	return ds.snapshotLocked()
}

func (m *Manager) SetTitle(ctx context.Context, docID, title string) Snapshot {
	ds := m.getOrCreate(ctx, docID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.title = title
	ds.updatedAt = time.Now()
	return ds.snapshotLocked()
}

// AddParticipant 登记在线成员，返回更新后的完整在线集合
func (m *Manager) AddParticipant(ctx context.Context, docID, userID, name string) []Participant {
	ds := m.getOrCreate(ctx, docID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.evict != nil {
		ds.evict.Stop()
		ds.evict = nil
	}
	p := ds.active[userID]
	if p == nil {
		p = &Participant{ID: userID}
		ds.active[userID] = p
	}
	if name != "" {
		p.Name = name
	}
	return ds.participantsLocked()
}

// RemoveParticipant 注销在线成员；集合清空时启动驱逐定时器。
// removed 表示该用户此前确实在线（调用方据此决定要不要广播 leave）。
func (m *Manager) RemoveParticipant(docID, userID string) (out []Participant, removed bool) {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return nil, false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	_, removed = ds.active[userID]
	delete(ds.active, userID)
	out = ds.participantsLocked()
	if len(ds.active) == 0 && ds.evict == nil {
		ds.evict = time.AfterFunc(m.idleTTL, func() { m.evictIfIdle(docID) })
	}
	return out, removed
}

// SetCursor 更新某成员的光标/选区（presence-only）
func (m *Manager) SetCursor(docID, userID string, cursor []byte) {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if p := ds.active[userID]; p != nil {
		p.Cursor = cursor
	}
}

// Participants 当前在线集合，按 userID 排序保证广播内容确定
func (m *Manager) Participants(docID string) []Participant {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.participantsLocked()
}

func (ds *docState) participantsLocked() []Participant {
	out := make([]Participant, 0, len(ds.active))
	for _, p := range ds.active {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// evictIfIdle 驱逐定时器回调：触发时还没人回来才真正丢弃。
// 未另行持久化的状态随之丢失（已声明的边界条件，不是持久化承诺）。
func (m *Manager) evictIfIdle(docID string) {
	m.mu.Lock()
	ds := m.docs[docID]
	if ds == nil {
		m.mu.Unlock()
		return
	}
	ds.mu.Lock()
	if len(ds.active) > 0 {
		ds.evict = nil
		ds.mu.Unlock()
		m.mu.Unlock()
		return
	}
	snap := ds.snapshotLocked()
	delete(m.docs, docID)
	ds.mu.Unlock()
	m.mu.Unlock()

	log.Printf("document %s idle for %s, evicting from memory", docID, m.idleTTL)
	if m.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.snapshots.SaveDocumentSnapshot(ctx, docID, snap.Content, snap.UpdatedAt); err != nil {
			log.Printf("save snapshot on evict failed (doc=%s): %v", docID, err)
		}
	}
}
