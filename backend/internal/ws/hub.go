package ws

import "sync"

// Hub 按文档分房间的连接注册表。只管“谁在哪个房间”，
// 文档状态本身在 collab.Manager 里。
type Hub struct {
	// 读写锁保护 rooms 这张 map；加入/离开/广播都先拿锁。
	mu sync.RWMutex
	// docID -> set of connections
	// 房间里存连接而不是 userID：一个用户可开多个标签页/设备，
	// 广播要逐连接发，不能只按 userID 发一次。
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// BroadcastAll 投递给房间内的全部连接。投递只是塞进各连接的发送队列，
// 不等任何对端的传输刷新，慢客户端拖不住整个文档。
func (h *Hub) BroadcastAll(docID string, msg Message) {
	h.broadcast(docID, msg, nil)
}

// BroadcastExcept 投递给房间内除 except 外的连接（不回发给发送方）
func (h *Hub) BroadcastExcept(docID string, msg Message, except *Conn) {
	h.broadcast(docID, msg, except)
}

func (h *Hub) broadcast(docID string, msg Message, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendEnqueue(msg)
	}
}
