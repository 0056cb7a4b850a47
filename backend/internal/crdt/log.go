package crdt

import "sort"

// Log 单个 site 的操作日志：负责生产带唯一 ID 的本地操作，
// 并吸收远端操作。日志为会话生命周期保留全部操作，不做压缩回收。
type Log struct {
	site string
	seq  uint64
	ops  map[OpID]Operation
}

func NewLog(site string) *Log {
	return &Log{site: site, ops: make(map[OpID]Operation)}
}

func (l *Log) Site() string { return l.site }

// nextID 唯一的可变状态就是这个序号计数器
func (l *Log) nextID() OpID {
	id := OpID{Site: l.site, Seq: l.seq}
	l.seq++
	return id
}

// Insert 由本地编辑产生一个插入操作并记入日志
func (l *Log) Insert(position int, text string) Operation {
	op := Operation{
		ID:        l.nextID(),
		Kind:      KindInsert,
		Position:  position,
		Text:      text,
		Timestamp: nowMilli(),
	}
	l.ops[op.ID] = op
	return op
}

// Delete 由本地编辑产生一个删除操作并记入日志
func (l *Log) Delete(position, length int) Operation {
	op := Operation{
		ID:        l.nextID(),
		Kind:      KindDelete,
		Position:  position,
		Length:    length,
		Timestamp: nowMilli(),
	}
	l.ops[op.ID] = op
	return op
}

// Apply 吸收一个（通常来自远端的）操作。
// 幂等：同一 ID 重复应用是 no-op，返回 false。
func (l *Log) Apply(op Operation) bool {
	if _, ok := l.ops[op.ID]; ok {
		return false
	}
	l.ops[op.ID] = op
	return true
}

// Snapshot 返回按回放全序排好的操作序列
func (l *Log) Snapshot() []Operation {
	out := make([]Operation, 0, len(l.ops))
	for _, op := range l.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// Operations 返回当前操作集合的副本
func (l *Log) Operations() map[OpID]Operation {
	out := make(map[OpID]Operation, len(l.ops))
	for id, op := range l.ops {
		out[id] = op
	}
	return out
}

// Merge 把远端操作集合并进本地集合：本地操作全部保留；
// 远端未知的操作逐一对本地操作做 Transform 折叠（折叠顺序固定为
// 本地操作的回放全序，保证两端结果一致），途中被吞并的直接丢弃，
// 幸存者放入结果。不修改日志本身，结果交由调用方处置。
func (l *Log) Merge(remote map[OpID]Operation) map[OpID]Operation {
	merged := l.Operations()
	local := l.Snapshot()

	// 远端集合同样按全序遍历，避免 map 迭代顺序引入的不确定性
	foreign := make([]Operation, 0, len(remote))
	for _, op := range remote {
		foreign = append(foreign, op)
	}
	sort.Slice(foreign, func(i, j int) bool { return foreign[i].before(foreign[j]) })

	for _, remoteOp := range foreign {
		if _, known := merged[remoteOp.ID]; known {
			continue
		}
		transformed, alive := remoteOp, true
		for _, localOp := range local {
			transformed, alive = Transform(transformed, localOp)
			if !alive {
				break
			}
		}
		if alive {
			merged[transformed.ID] = transformed
		}
	}
	return merged
}

// MergeApply 以 Merge 的结果替换日志内容（客户端在重连补齐后使用）
func (l *Log) MergeApply(remote map[OpID]Operation) {
	l.ops = l.Merge(remote)
}

// Render 用回放全序把日志里的全部操作套用到 base 上
func (l *Log) Render(base string) string {
	return RenderContent(base, l.ops)
}
