package page

import (
	"bytes"

	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// FixedFormatID 定长格式的node type id
const FixedFormatID uint32 = 1

// InternalValSize 内部节点的value固定为子节点段地址
const InternalValSize = 8

// fixedFormat 定长键值格式。记录区由used个连续槽位构成，
// 每个槽位ksize+vsize字节，按键升序存放。内部节点比分隔键多存一个
// 子节点指针：最后一个槽位的键不参与比较，仅其value（最右子树地址）有效。
type fixedFormat struct{}

// FixedFormat 定长格式单例
var FixedFormat NodeType = fixedFormat{}

func init() {
	RegisterNodeType(FixedFormat)
}

func (fixedFormat) ID() uint32 {
	return FixedFormatID
}

func (fixedFormat) Name() string {
	return "bnode_fixed_format"
}

func used(frame []byte) int {
	return int(util.ReadUB2Byte2UInt16(frame[UsedOff:]))
}

func setUsed(frame []byte, n int) {
	util.WriteUInt2(frame, UsedOff, uint16(n))
}

func ksize(frame []byte) int {
	return int(util.ReadUB2Byte2UInt16(frame[KsizeOff:]))
}

func vsize(frame []byte) int {
	return int(util.ReadUB2Byte2UInt16(frame[VsizeOff:]))
}

func slotOff(frame []byte, idx int) int {
	return HeaderSize + (ksize(frame)+vsize(frame))*idx
}

func (f fixedFormat) Init(frame []byte, shift, ksize, vsize int, treeType uint32) []transaction.Range {
	for i := range frame[:HeaderSize] {
		frame[i] = 0
	}
	HeaderPack(frame)
	util.WriteUInt4(frame, NodeTypeOff, FixedFormatID)
	util.WriteUInt4(frame, TreeTypeOff, treeType)
	frame[ShiftOff] = byte(shift)
	util.WriteUInt2(frame, KsizeOff, uint16(ksize))
	util.WriteUInt2(frame, VsizeOff, uint16(vsize))
	FooterUpdate(frame)
	return []transaction.Range{{Off: 0, Len: HeaderSize}}
}

func (f fixedFormat) Fini(frame []byte) []transaction.Range {
	util.WriteUInt4(frame, FrameTagOff, 0)
	util.WriteUInt2(frame, FooterOffOff, 0)
	return []transaction.Range{{Off: FrameTagOff, Len: 8}}
}

func (f fixedFormat) Count(frame []byte) int {
	n := used(frame)
	if f.Level(frame) > 0 {
		n--
	}
	return n
}

func (f fixedFormat) CountRec(frame []byte) int {
	return used(frame)
}

func (f fixedFormat) Space(frame []byte) int {
	return len(frame) - HeaderSize - (ksize(frame)+vsize(frame))*used(frame)
}

func (f fixedFormat) Level(frame []byte) int {
	return int(frame[LevelOff])
}

func (f fixedFormat) Shift(frame []byte) int {
	return int(frame[ShiftOff])
}

func (f fixedFormat) Keysize(frame []byte) int {
	return ksize(frame)
}

func (f fixedFormat) Valsize(frame []byte) int {
	return vsize(frame)
}

func (f fixedFormat) IsUnderflow(frame []byte, predict bool) bool {
	n := used(frame)
	if predict && n != 0 {
		n--
	}
	return n == 0
}

func (f fixedFormat) IsOverflow(frame []byte) bool {
	return f.Space(frame) < ksize(frame)+vsize(frame)
}

func (f fixedFormat) Find(frame []byte, key []byte) (int, bool) {
	i, j := -1, f.Count(frame)
	for i+1 < j {
		m := (i + j) / 2
		diff := bytes.Compare(f.Key(frame, m), key)
		if diff < 0 {
			i = m
		} else if diff > 0 {
			j = m
		} else {
			return m, true
		}
	}
	return j, false
}

func (f fixedFormat) Key(frame []byte, idx int) []byte {
	off := slotOff(frame, idx)
	return frame[off : off+ksize(frame)]
}

func (f fixedFormat) Val(frame []byte, idx int) []byte {
	off := slotOff(frame, idx) + ksize(frame)
	return frame[off : off+vsize(frame)]
}

func (f fixedFormat) Child(frame []byte, idx int) segment.Addr {
	return segment.Addr(util.ReadUB8Byte2UInt64(f.Val(frame, idx)))
}

func (f fixedFormat) IsFit(frame []byte) bool {
	return ksize(frame)+vsize(frame) <= f.Space(frame)
}

func (f fixedFormat) Make(frame []byte, idx int) []transaction.Range {
	rsize := ksize(frame) + vsize(frame)
	n := used(frame)
	start := slotOff(frame, idx)
	copy(frame[start+rsize:start+rsize+rsize*(n-idx)], frame[start:start+rsize*(n-idx)])
	setUsed(frame, n+1)
	return []transaction.Range{
		{Off: start, Len: rsize * (n - idx + 1)},
		{Off: UsedOff, Len: 2},
	}
}

func (f fixedFormat) Del(frame []byte, idx int) []transaction.Range {
	rsize := ksize(frame) + vsize(frame)
	n := used(frame)
	start := slotOff(frame, idx)
	copy(frame[start:start+rsize*(n-idx-1)], frame[start+rsize:start+rsize*(n-idx)])
	setUsed(frame, n-1)
	return []transaction.Range{
		{Off: start, Len: rsize * (n - idx - 1)},
		{Off: UsedOff, Len: 2},
	}
}

func (f fixedFormat) SetLevel(frame []byte, level int) []transaction.Range {
	frame[LevelOff] = byte(level)
	return []transaction.Range{{Off: LevelOff, Len: 1}}
}

func (f fixedFormat) SetValsize(frame []byte, vsize int) []transaction.Range {
	util.WriteUInt2(frame, VsizeOff, uint16(vsize))
	return []transaction.Range{{Off: VsizeOff, Len: 2}}
}

func (f fixedFormat) Fix(frame []byte) []transaction.Range {
	return []transaction.Range{FooterUpdate(frame)}
}

func (f fixedFormat) SlotRange(frame []byte, idx int) transaction.Range {
	return transaction.Range{
		Off: slotOff(frame, idx),
		Len: ksize(frame) + vsize(frame),
	}
}

func (f fixedFormat) IsValid(frame []byte) bool {
	return HeaderIsValid(frame)
}

func (f fixedFormat) Verify(frame []byte) bool {
	return FooterVerify(frame)
}

func (f fixedFormat) Invariant(frame []byte, addr segment.Addr) bool {
	if f.Shift(frame) != addr.Shift() {
		return false
	}
	if f.Level(frame) > 0 && used(frame) == 0 {
		return false
	}
	return true
}

func (f fixedFormat) OpaqueGet(frame []byte) uint64 {
	return util.ReadUB8Byte2UInt64(frame[OpaqueOff:])
}

func (f fixedFormat) OpaqueSet(frame []byte, v uint64) {
	util.WriteUInt8(frame, OpaqueOff, v)
}

func (f fixedFormat) NtypeGet(frame []byte) uint32 {
	return util.ReadUB4Byte2UInt32(frame[NodeTypeOff:])
}

func (f fixedFormat) TtypeGet(frame []byte) uint32 {
	return util.ReadUB4Byte2UInt32(frame[TreeTypeOff:])
}
