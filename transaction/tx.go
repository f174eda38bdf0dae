package transaction

import (
	"sync"

	"github.com/zhukovaskychina/xbtree-engine/segment"
)

// Range 帧内被修改的字节区间
type Range struct {
	Off int
	Len int
}

// Credit 单次操作的事务额度估计：预计脏写的区间数与字节数上限。
// 调用方在开启外部事务前累加额度。
type Credit struct {
	Nr    int
	Bytes int
}

// Add 累加额度
func (c *Credit) Add(nr, bytes int) {
	c.Nr += nr
	c.Bytes += bytes
}

// Tx 外部事务的捕获接口。B树的每个写原语都把触碰到的
// 帧内字节区间经由Capture上报；提交回调用于递减节点的事务引用计数。
type Tx interface {
	// Capture 上报frame中[off, off+length)被修改
	Capture(addr segment.Addr, frame []byte, off, length int)

	// OnCommit 注册提交后回调
	OnCommit(fn func())

	// Commit 提交事务并运行全部回调
	Commit()

	// Abort 放弃事务，不运行回调
	Abort()
}

// CaptureEntry 一条已记录的捕获：帧地址、帧内偏移和当时的字节快照
type CaptureEntry struct {
	Addr segment.Addr
	Off  int
	Data []byte
}

// FrameSink 捕获重放的目标段
type FrameSink interface {
	EnsureFrame(addr segment.Addr) ([]byte, error)
}

// Recorder 记录型事务：保存每条捕获的字节快照，
// 可整体重放到空白段上恢复同样的树内容。
type Recorder struct {
	mu      sync.Mutex
	entries []CaptureEntry
	hooks   []func()
	done    bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Capture(addr segment.Addr, frame []byte, off, length int) {
	if length <= 0 || off < 0 || off+length > len(frame) {
		return
	}
	data := make([]byte, length)
	copy(data, frame[off:off+length])

	r.mu.Lock()
	r.entries = append(r.entries, CaptureEntry{Addr: addr, Off: off, Data: data})
	r.mu.Unlock()
}

func (r *Recorder) OnCommit(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Recorder) Commit() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (r *Recorder) Abort() {
	r.mu.Lock()
	r.done = true
	r.hooks = nil
	r.entries = nil
	r.mu.Unlock()
}

// Entries 返回捕获列表的副本
func (r *Recorder) Entries() []CaptureEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CaptureEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Replay 把捕获按记录顺序重放到目标段
func (r *Recorder) Replay(sink FrameSink) error {
	for _, e := range r.Entries() {
		frame, err := sink.EnsureFrame(e.Addr)
		if err != nil {
			return err
		}
		copy(frame[e.Off:e.Off+len(e.Data)], e.Data)
	}
	return nil
}

// NopTx 空事务，崩溃一致性关闭时使用
type NopTx struct {
	mu    sync.Mutex
	hooks []func()
}

func (t *NopTx) Capture(addr segment.Addr, frame []byte, off, length int) {}

func (t *NopTx) OnCommit(fn func()) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *NopTx) Commit() {
	t.mu.Lock()
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (t *NopTx) Abort() {
	t.mu.Lock()
	t.hooks = nil
	t.mu.Unlock()
}
