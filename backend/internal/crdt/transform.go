package crdt

// Transform 把 a 调整为“假设 b 已经先被应用”之后仍然成立的操作。
// 返回 ok=false 表示 a 被 b 吞并（annihilated）：这是设计上明确允许的
// 有损边界（并发删除覆盖了插入点），不是需要悄悄忽略的 bug。
//
// 各分支的边界规则：
//   - insert vs insert：位置小者优先；位置相同时用时间戳裁决，
//     后到者右移对方插入文本的长度。
//   - delete vs insert：删除点严格在插入点之前则不受影响，否则右移。
//   - insert vs delete：插入点在删除区间起点及之前不受影响；
//     严格越过删除区间则左移删除长度；恰好落在区间右端点（pos == start+len）
//     也不受影响（回放时由边界收敛对齐）；严格落在区间内部则被吞并。
//   - delete vs delete：不相交则后者平移；区间重叠则后者被吞并。
func Transform(a, b Operation) (Operation, bool) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		if a.Position < b.Position {
			return a, true
		}
		if a.Position > b.Position {
			a.Position += textLen(b.Text)
			return a, true
		}
		// 位置相同：时间戳早者优先，完全同刻再按 site 裁决，
		// 保证两端对同一对操作得出同一个赢家
		if a.Timestamp < b.Timestamp ||
			(a.Timestamp == b.Timestamp && a.ID.Site < b.ID.Site) {
			return a, true
		}
		a.Position += textLen(b.Text)
		return a, true

	case a.Kind == KindDelete && b.Kind == KindInsert:
		if a.Position < b.Position {
			return a, true
		}
		a.Position += textLen(b.Text)
		return a, true

	case a.Kind == KindInsert && b.Kind == KindDelete:
		if a.Position <= b.Position {
			return a, true
		}
		if a.Position > b.Position+b.Length {
			a.Position -= b.Length
			return a, true
		}
		if a.Position == b.Position+b.Length {
			return a, true
		}
		return Operation{}, false

	case a.Kind == KindDelete && b.Kind == KindDelete:
		if a.Position < b.Position {
			return a, true
		}
		if a.Position >= b.Position+b.Length {
			a.Position -= b.Length
			return a, true
		}
		return Operation{}, false
	}
	return a, true
}
