package segment

import (
	"fmt"

	"github.com/zhukovaskychina/xbtree-engine/basic"
)

// 节点帧尺寸的合法范围：512B ~ 16MB
const (
	NodeShiftMin = 9
	NodeShiftMax = 24
)

// 保留位掩码：高8位与低4~8位必须为零
const addrReservedMask = 0xff000000000001f0

// Addr 段内节点地址。高位承载帧偏移（512字节对齐），
// 低4位承载尺寸等级，尺寸 = 2^(9+等级)。
type Addr uint64

// NullAddr 空地址
const NullAddr Addr = 0

// ShiftIsValid 判断尺寸指数是否落在合法范围内
func ShiftIsValid(shift int) bool {
	return shift >= NodeShiftMin && shift < NodeShiftMin+0x10
}

// OffsetIsAligned 判断帧偏移是否512字节对齐
func OffsetIsAligned(off uint64) bool {
	return off&((1<<NodeShiftMin)-1) == 0
}

// BuildAddr 将帧偏移与尺寸指数打包为段地址
func BuildAddr(off uint64, shift int) (Addr, error) {
	if !ShiftIsValid(shift) {
		return NullAddr, basic.ErrInvalidShift
	}
	if !OffsetIsAligned(off) {
		return NullAddr, basic.ErrUnalignedAddr
	}
	a := Addr(off | uint64(shift-NodeShiftMin))
	if !a.IsValid() {
		return NullAddr, basic.ErrInvalidAddress
	}
	return a, nil
}

// MustBuildAddr 打包段地址，参数非法时panic。仅限测试与初始化路径使用。
func MustBuildAddr(off uint64, shift int) Addr {
	a, err := BuildAddr(off, shift)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValid 校验保留位为零
func (a Addr) IsValid() bool {
	return uint64(a)&addrReservedMask == 0
}

// Offset 解出帧偏移，低9位清零
func (a Addr) Offset() uint64 {
	return uint64(a) &^ ((1 << NodeShiftMin) - 1)
}

// Shift 解出尺寸指数
func (a Addr) Shift() int {
	return int(uint64(a)&0xf) + NodeShiftMin
}

// FrameSize 节点帧字节数
func (a Addr) FrameSize() int {
	return 1 << uint(a.Shift())
}

func (a Addr) String() string {
	return fmt.Sprintf("seg[%#x:%d]", a.Offset(), a.Shift())
}
