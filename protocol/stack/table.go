package stack

import (
	"sync"

	tcpip "github.com/qxcheng/kernel-net/protocol"
)

// Table 定长、保持插入顺序的表，一把锁保护，所有操作都是线性扫描。
// arp缓存、地址表、路由表都建立在它上面
type Table[T any] struct {
	mu       sync.Mutex
	entries  []T
	capacity int
	// evict 表满时挑一个可以淘汰的下标，返回-1表示不能淘汰
	evict func(entries []T) int
}

// NewTable 创建容量为capacity的表
func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// SetEvictor 设置表满时的淘汰策略
func (t *Table[T]) SetEvictor(evict func(entries []T) int) {
	t.mu.Lock()
	t.evict = evict
	t.mu.Unlock()
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table[T]) Cap() int {
	return t.capacity
}

// FindIf 返回第一个满足pred的表项的拷贝
func (t *Table[T]) FindIf(pred func(*T) bool) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(pred); i >= 0 {
		return t.entries[i], true
	}
	var zero T
	return zero, false
}

func (t *Table[T]) index(pred func(*T) bool) int {
	for i := range t.entries {
		if pred(&t.entries[i]) {
			return i
		}
	}
	return -1
}

// add 调用方持锁
func (t *Table[T]) add(v T) *tcpip.Error {
	if len(t.entries) >= t.capacity {
		victim := -1
		if t.evict != nil {
			victim = t.evict(t.entries)
		}
		if victim < 0 {
			return tcpip.ErrNoBufferSpace
		}
		t.removeAt(victim)
	}
	t.entries = append(t.entries, v)
	return nil
}

func (t *Table[T]) removeAt(i int) {
	copy(t.entries[i:], t.entries[i+1:])
	var zero T
	t.entries[len(t.entries)-1] = zero
	t.entries = t.entries[:len(t.entries)-1]
}

// Add 追加到表尾，表满且无法淘汰时返回ErrNoBufferSpace
func (t *Table[T]) Add(v T) *tcpip.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.add(v)
}

// Remove 删除所有满足pred的表项，返回删除的个数
func (t *Table[T]) Remove(pred func(*T) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for i := range t.entries {
		if pred(&t.entries[i]) {
			removed++
			continue
		}
		kept = append(kept, t.entries[i])
	}
	var zero T
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = zero
	}
	t.entries = kept
	return removed
}

// Update 用v替换第一个满足pred的表项
func (t *Table[T]) Update(pred func(*T) bool, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(pred); i >= 0 {
		t.entries[i] = v
		return true
	}
	return false
}

// Modify 在锁内原地修改第一个满足pred的表项
func (t *Table[T]) Modify(pred func(*T) bool, fn func(*T)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(pred); i >= 0 {
		fn(&t.entries[i])
		return true
	}
	return false
}

// Upsert 一次加锁完成“有则更新，无则插入”。create返回false表示不插入
func (t *Table[T]) Upsert(pred func(*T) bool, update func(*T), create func() (T, bool)) *tcpip.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(pred); i >= 0 {
		update(&t.entries[i])
		return nil
	}
	v, ok := create()
	if !ok {
		return nil
	}
	return t.add(v)
}

// Each 按插入顺序遍历表项的拷贝，fn里不能再操作同一张表
func (t *Table[T]) Each(fn func(T)) {
	for _, v := range t.Snapshot() {
		fn(v)
	}
}

// Snapshot 返回所有表项的拷贝
func (t *Table[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]T(nil), t.entries...)
}

// SelectBest 在满足pred的表项中挑出最好的一个（better(a, b)表示a严格优于b，
// 相同时保留先插入的），touch在锁内作用于选中的表项
func (t *Table[T]) SelectBest(pred func(*T) bool, better func(a, b *T) bool, touch func(*T)) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := -1
	for i := range t.entries {
		if !pred(&t.entries[i]) {
			continue
		}
		if best < 0 || better(&t.entries[i], &t.entries[best]) {
			best = i
		}
	}
	if best < 0 {
		var zero T
		return zero, false
	}
	if touch != nil {
		touch(&t.entries[best])
	}
	return t.entries[best], true
}
