// Package page implements the on-segment node frame layout and the
// node format operations used by the btree engine.
package page

import (
	"github.com/zhukovaskychina/xbtree-engine/transaction"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// 节点帧头部布局（大端序）
//
//	//////////////////////////
//	//      FrameHeader     //  tag + footer offset
//	//////////////////////////
//	//      NodeHeader      //  node type, tree type, opaque slot
//	//////////////////////////
//	//      Counts          //  used, shift, level, ksize, vsize
//	//////////////////////////
//	//      FrameFooter     //  version + checksum
//	//////////////////////////
//	//      Record slots    //  used * (ksize + vsize)
//	//////////////////////////
const (
	FrameTagOff      = 0  // 4 bytes: frame type << 16 | format version
	FooterOffOff     = 4  // 2 bytes: offset of the footer
	NodeTypeOff      = 8  // 4 bytes: node type id
	TreeTypeOff      = 12 // 4 bytes: tree type id
	OpaqueOff        = 16 // 8 bytes: in-memory descriptor slot
	UsedOff          = 24 // 2 bytes: record count
	ShiftOff         = 26 // 1 byte: node size as pow-of-2
	LevelOff         = 27 // 1 byte: level in the tree, 0 for leaves
	KsizeOff         = 28 // 2 bytes
	VsizeOff         = 30 // 2 bytes
	FooterVersionOff = 32 // 4 bytes
	FooterChksumOff  = 40 // 8 bytes
	HeaderSize       = 48
)

// 帧类型与版本
const (
	FrameTypeBNode uint16 = 0xb7ee
	FrameVersion1  uint16 = 1
)

func frameTag() uint32 {
	return uint32(FrameTypeBNode)<<16 | uint32(FrameVersion1)
}

// HeaderPack 写入帧头标签与footer偏移
func HeaderPack(frame []byte) transaction.Range {
	util.WriteUInt4(frame, FrameTagOff, frameTag())
	util.WriteUInt2(frame, FooterOffOff, uint16(FooterVersionOff))
	return transaction.Range{Off: FrameTagOff, Len: 8}
}

// HeaderIsValid 校验帧头标签与版本
func HeaderIsValid(frame []byte) bool {
	if len(frame) < HeaderSize {
		return false
	}
	tag := util.ReadUB4Byte2UInt32(frame[FrameTagOff:])
	if uint16(tag>>16) != FrameTypeBNode || uint16(tag) != FrameVersion1 {
		return false
	}
	return util.ReadUB2Byte2UInt16(frame[FooterOffOff:]) == FooterVersionOff
}

// frameChecksum 计算头部校验和。opaque槽只在内存中有意义，不参与校验。
func frameChecksum(frame []byte) uint64 {
	return util.Checksum64(frame[0:OpaqueOff], frame[UsedOff:FooterVersionOff])
}

// FooterUpdate 重算并写入footer校验和
func FooterUpdate(frame []byte) transaction.Range {
	util.WriteUInt4(frame, FooterVersionOff, uint32(FrameVersion1))
	util.WriteUInt8(frame, FooterChksumOff, frameChecksum(frame))
	return transaction.Range{Off: FooterVersionOff, Len: HeaderSize - FooterVersionOff}
}

// FooterVerify 校验footer
func FooterVerify(frame []byte) bool {
	if len(frame) < HeaderSize {
		return false
	}
	if util.ReadUB4Byte2UInt32(frame[FooterVersionOff:]) != uint32(FrameVersion1) {
		return false
	}
	return util.ReadUB8Byte2UInt64(frame[FooterChksumOff:]) == frameChecksum(frame)
}
