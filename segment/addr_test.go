package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrRoundTrip(t *testing.T) {
	for shift := NodeShiftMin; shift <= NodeShiftMax; shift++ {
		off := uint64(1 << uint(shift))
		addr, err := BuildAddr(off, shift)
		require.NoError(t, err)

		assert.True(t, addr.IsValid())
		assert.Equal(t, off, addr.Offset())
		assert.Equal(t, shift, addr.Shift())
		assert.Equal(t, 1<<uint(shift), addr.FrameSize())
	}
}

func TestAddrRejectsBadInput(t *testing.T) {
	_, err := BuildAddr(512, 8)
	assert.Error(t, err)

	_, err = BuildAddr(512, 25)
	assert.Error(t, err)

	// 未对齐的偏移
	_, err = BuildAddr(513, 10)
	assert.Error(t, err)

	// 保留位非零
	bad := Addr(0xff00000000000000 | 512)
	assert.False(t, bad.IsValid())
}

func TestMemSegmentAllocFree(t *testing.T) {
	seg := NewMemSegment(1 << 20)

	addr, frame, err := seg.AllocFrame(10)
	require.NoError(t, err)
	assert.Equal(t, 1024, len(frame))
	assert.True(t, seg.Contains(addr))

	got, err := seg.Frame(addr)
	require.NoError(t, err)
	assert.Equal(t, &frame[0], &got[0])

	require.NoError(t, seg.FreeFrame(addr))
	assert.False(t, seg.Contains(addr))

	// 释放后的偏移可以被复用，且帧内容清零
	frame[0] = 0xff
	addr2, frame2, err := seg.AllocFrame(10)
	require.NoError(t, err)
	assert.Equal(t, addr.Offset(), addr2.Offset())
	assert.Equal(t, byte(0), frame2[0])
}

func TestMemSegmentExhaustion(t *testing.T) {
	seg := NewMemSegment(4096)
	// 偏移0保留，容量内放得下3个1KB帧
	for i := 0; i < 3; i++ {
		_, _, err := seg.AllocFrame(10)
		require.NoError(t, err)
	}
	_, _, err := seg.AllocFrame(10)
	assert.Error(t, err)
}
