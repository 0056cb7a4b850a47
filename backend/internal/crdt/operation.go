package crdt

import (
	"fmt"
	"sort"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// OpID 全局唯一操作标识：site（一次编辑会话的身份）+ 该 site 内单调递增的序号。
// 不变量：两个不同的操作永远不会共享同一个 OpID。
type OpID struct {
	Site string `json:"site"`
	Seq  uint64 `json:"seq"`
}

func (id OpID) String() string { return fmt.Sprintf("%s-%d", id.Site, id.Seq) }

// Operation 原子编辑操作（插入/删除）。创建后不可变：
// Transform 只产生调整后的副本，从不修改原值。
type Operation struct {
	ID   OpID `json:"id"`
	Kind Kind `json:"kind"`
	// 源 site 在创建操作的时刻所理解的字符偏移（0 起）
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`   // insert 的文本
	Length   int    `json:"length,omitempty"` // delete 的长度
	// 毫秒时间戳，只用作确定性的平局裁决，不是因果时钟
	Timestamp int64 `json:"timestamp"`
}

// textLen 统一按 rune 计长，位置偏移也是 rune 维度
func textLen(s string) int { return len([]rune(s)) }

// before 定义回放用的全序：时间戳优先，再按 site、seq 补齐，
// 保证不同 site 对同一操作集合得到完全一致的顺序。
func (op Operation) before(other Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	if op.ID.Site != other.ID.Site {
		return op.ID.Site < other.ID.Site
	}
	return op.ID.Seq < other.ID.Seq
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applyTo 把单个操作套用到内容上。越界位置收敛到文档边界而不是报错，
// 这样乱序回放也不会产生越界访问。
func (op Operation) applyTo(r []rune) []rune {
	switch op.Kind {
	case KindInsert:
		pos := clamp(op.Position, 0, len(r))
		ins := []rune(op.Text)
		out := make([]rune, 0, len(r)+len(ins))
		out = append(out, r[:pos]...)
		out = append(out, ins...)
		out = append(out, r[pos:]...)
		return out
	case KindDelete:
		start := clamp(op.Position, 0, len(r))
		end := clamp(op.Position+op.Length, start, len(r))
		out := make([]rune, 0, len(r)-(end-start))
		out = append(out, r[:start]...)
		out = append(out, r[end:]...)
		return out
	}
	return r
}

// RenderContent 按全序回放一组操作。顺序与到达顺序无关，
// 这是 Merge 结果可收敛的关键。
func RenderContent(base string, ops map[OpID]Operation) string {
	ordered := make([]Operation, 0, len(ops))
	for _, op := range ops {
		ordered = append(ordered, op)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].before(ordered[j]) })

	r := []rune(base)
	for _, op := range ordered {
		r = op.applyTo(r)
	}
	return string(r)
}

func nowMilli() int64 { return time.Now().UnixMilli() }
