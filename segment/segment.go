package segment

import (
	"sync"

	"github.com/zhukovaskychina/xbtree-engine/basic"
)

// Provider 持久段分配器接口。节点帧的分配、释放与访问都经由该接口，
// 由外部pager实现；引擎内部只依赖这里的语义。
type Provider interface {
	// Frame 返回addr处的帧内存
	Frame(addr Addr) ([]byte, error)

	// AllocFrame 分配一个2^shift字节、512字节对齐的帧
	AllocFrame(shift int) (Addr, []byte, error)

	// FreeFrame 释放addr处的帧
	FreeFrame(addr Addr) error

	// Contains 判断addr是否落在段内
	Contains(addr Addr) bool
}

// MemSegment 内存实现的段，供单元测试与演示命令使用。
// 帧按512字节对齐从虚拟偏移空间内依次划出，回收帧进入按shift分组的空闲链。
type MemSegment struct {
	mu      sync.Mutex
	frames  map[uint64][]byte
	free    map[int][]uint64
	nextOff uint64
	limit   uint64
}

// NewMemSegment 创建内存段，size为段容量上限
func NewMemSegment(size int) *MemSegment {
	return &MemSegment{
		frames: make(map[uint64][]byte),
		free:   make(map[int][]uint64),
		// 偏移0保留为空地址
		nextOff: 1 << NodeShiftMin,
		limit:   uint64(size),
	}
}

func (s *MemSegment) Frame(addr Addr) ([]byte, error) {
	if !addr.IsValid() {
		return nil, basic.ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, ok := s.frames[addr.Offset()]
	if !ok {
		return nil, basic.ErrFrameNotFound
	}
	return frame, nil
}

func (s *MemSegment) AllocFrame(shift int) (Addr, []byte, error) {
	if !ShiftIsValid(shift) {
		return NullAddr, nil, basic.ErrInvalidShift
	}
	size := 1 << uint(shift)

	s.mu.Lock()
	defer s.mu.Unlock()

	if list := s.free[shift]; len(list) > 0 {
		off := list[len(list)-1]
		s.free[shift] = list[:len(list)-1]
		frame := make([]byte, size)
		s.frames[off] = frame
		addr, _ := BuildAddr(off, shift)
		return addr, frame, nil
	}

	off := s.nextOff
	if off+uint64(size) > s.limit {
		return NullAddr, nil, basic.ErrSegmentFull
	}
	s.nextOff += uint64(size)

	frame := make([]byte, size)
	s.frames[off] = frame
	addr, err := BuildAddr(off, shift)
	if err != nil {
		return NullAddr, nil, err
	}
	return addr, frame, nil
}

func (s *MemSegment) FreeFrame(addr Addr) error {
	if !addr.IsValid() {
		return basic.ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	off := addr.Offset()
	if _, ok := s.frames[off]; !ok {
		return basic.ErrFrameNotFound
	}
	delete(s.frames, off)
	s.free[addr.Shift()] = append(s.free[addr.Shift()], off)
	return nil
}

func (s *MemSegment) Contains(addr Addr) bool {
	if !addr.IsValid() || addr == NullAddr {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.frames[addr.Offset()]
	return ok
}

// EnsureFrame 在指定地址处获取帧，不存在时创建。
// 捕获重放需要向空白段写入与原段相同地址的帧。
func (s *MemSegment) EnsureFrame(addr Addr) ([]byte, error) {
	if !addr.IsValid() {
		return nil, basic.ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	off := addr.Offset()
	if frame, ok := s.frames[off]; ok {
		return frame, nil
	}
	frame := make([]byte, addr.FrameSize())
	s.frames[off] = frame
	return frame, nil
}
