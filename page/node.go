package page

import (
	"sync"

	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
)

// Dir 记录搬移方向
type Dir int

const (
	// DirLeft 从源节点头部向目标节点尾部搬移
	DirLeft Dir = iota
	// DirRight 从源节点尾部向目标节点头部搬移
	DirRight
)

// Move计数的特殊取值
const (
	// MoveEven 搬移到两个节点剩余空间大致均衡为止
	MoveEven = -1
	// MoveMax 搬空源节点
	MoveMax = -2
)

// NodeType 节点格式操作集。每种落盘格式实现一份，
// 按帧内node type id动态分发。所有写原语返回其触碰的字节区间，
// 由上层转发给事务捕获，使格式实现与事务子系统解耦。
type NodeType interface {
	ID() uint32
	Name() string

	// Init 将帧初始化为空节点
	Init(frame []byte, shift, ksize, vsize int, treeType uint32) []transaction.Range
	// Fini 抹除帧头标签
	Fini(frame []byte) []transaction.Range

	// Count 键数量，内部节点不含哨兵槽
	Count(frame []byte) int
	// CountRec 槽数量，内部节点含哨兵槽
	CountRec(frame []byte) int
	// Space 剩余空间字节数
	Space(frame []byte) int
	Level(frame []byte) int
	Shift(frame []byte) int
	Keysize(frame []byte) int
	Valsize(frame []byte) int

	// IsUnderflow 判断下溢。predict为真时按删除一条记录后的数量预判。
	IsUnderflow(frame []byte, predict bool) bool
	// IsOverflow 判断再插入一条记录是否放不下
	IsOverflow(frame []byte) bool

	// Find 二分查找，返回第一个键 >= key 的下标与是否精确命中
	Find(frame []byte, key []byte) (idx int, found bool)

	// Key/Val 返回槽位内存的别名切片
	Key(frame []byte, idx int) []byte
	Val(frame []byte, idx int) []byte
	// Child 读出内部节点槽位中的子节点段地址
	Child(frame []byte, idx int) segment.Addr

	// IsFit 判断一条ksize+vsize的记录是否放得下
	IsFit(frame []byte) bool

	// Make 在idx处腾出一个槽位
	Make(frame []byte, idx int) []transaction.Range
	// Del 删除idx处槽位
	Del(frame []byte, idx int) []transaction.Range
	// SetLevel 设置节点层级
	SetLevel(frame []byte, level int) []transaction.Range
	// SetValsize 改写value尺寸。仅用于根节点在叶与内部形态间
	// 转换的时刻，此时记录区必须为空
	SetValsize(frame []byte, vsize int) []transaction.Range
	// Fix 重算footer校验和
	Fix(frame []byte) []transaction.Range

	// SlotRange 槽位在帧内的字节区间，调用方填充槽位后据此上报捕获
	SlotRange(frame []byte, idx int) transaction.Range

	// IsValid 帧头标签校验
	IsValid(frame []byte) bool
	// Verify footer校验
	Verify(frame []byte) bool
	// Invariant 节点不变式：shift与地址一致、内部节点非空
	Invariant(frame []byte, addr segment.Addr) bool

	OpaqueGet(frame []byte) uint64
	OpaqueSet(frame []byte, v uint64)
	NtypeGet(frame []byte) uint32
	TtypeGet(frame []byte) uint32
}

var (
	ntypeMu  sync.RWMutex
	ntypeTab = make(map[uint32]NodeType)
)

// RegisterNodeType 注册节点格式，重复注册同一id会panic
func RegisterNodeType(nt NodeType) {
	ntypeMu.Lock()
	defer ntypeMu.Unlock()
	if _, dup := ntypeTab[nt.ID()]; dup {
		panic("page: duplicate node type id")
	}
	ntypeTab[nt.ID()] = nt
}

// NodeTypeByID 按id取节点格式
func NodeTypeByID(id uint32) NodeType {
	ntypeMu.RLock()
	defer ntypeMu.RUnlock()
	return ntypeTab[id]
}

// Move 把记录从src搬到tgt。dir为DirLeft时从src头部取记录追加到tgt尾部，
// DirRight时从src尾部取记录插到tgt头部。nr为搬移条数，
// MoveEven搬到两边空间均衡，MoveMax搬空。返回两个节点各自的脏区间，
// 搬移结束后两个节点的footer均已重算。
func Move(nt NodeType, src, tgt []byte, dir Dir, nr int) (srcRanges, tgtRanges []transaction.Range) {
	srcIdx := 0
	if dir == DirRight {
		srcIdx = nt.CountRec(src) - 1
	}
	tgtIdx := 0
	if dir == DirLeft {
		tgtIdx = nt.CountRec(tgt)
	}

	for {
		if nr == 0 ||
			(nr == MoveEven && nt.Space(tgt) <= nt.Space(src)) ||
			(nr == MoveMax && (srcIdx == -1 || nt.CountRec(src) == 0)) {
			break
		}
		if !nt.IsFit(tgt) {
			break
		}

		key := nt.Key(src, srcIdx)
		val := nt.Val(src, srcIdx)

		tgtRanges = append(tgtRanges, nt.Make(tgt, tgtIdx)...)
		copy(nt.Key(tgt, tgtIdx), key)
		copy(nt.Val(tgt, tgtIdx), val)
		tgtRanges = append(tgtRanges, nt.SlotRange(tgt, tgtIdx))

		srcRanges = append(srcRanges, nt.Del(src, srcIdx)...)

		if dir == DirLeft {
			tgtIdx++
		} else {
			srcIdx--
		}
		if nr > 0 {
			nr--
		}
	}

	srcRanges = append(srcRanges, nt.Fix(src)...)
	tgtRanges = append(tgtRanges, nt.Fix(tgt)...)
	return srcRanges, tgtRanges
}
