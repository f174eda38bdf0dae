package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/page"
	"github.com/zhukovaskychina/xbtree-engine/segment"
)

func TestDescriptorReviveFromLRU(t *testing.T) {
	b, _ := newTestTree(t, 1024, 8, 8)
	defer b.Close()

	for i := 0; i < 200; i++ {
		putKV(t, b, key8(uint64(i)), key8(uint64(i)), nil)
	}
	require.True(t, b.Height() >= 2)

	rootFrame, err := b.td.seg.Frame(b.RootAddr())
	require.NoError(t, err)
	child := b.td.root.ntype.Child(rootFrame, 0)

	// 第一次装载
	var op nodeOp
	require.NoError(t, nodeGet(&op, b.td, child, false))
	first := op.node
	assert.Equal(t, b.td, first.tree)

	// 归还后迁入LRU，树回指针清空
	nodePut(&op, first, false, nil)
	first.lock.RLock()
	assert.Equal(t, 0, first.ref)
	assert.Nil(t, first.tree)
	first.lock.RUnlock()

	// 复活：同一个描述符，树重新绑定
	op.fini()
	require.NoError(t, nodeGet(&op, b.td, child, false))
	assert.Same(t, first, op.node, "descriptor must be revived, not recreated")
	assert.Equal(t, b.td, op.node.tree)
	nodePut(&op, op.node, false, nil)
}

func TestDescriptorDelayedFree(t *testing.T) {
	b, seg := newTestTree(t, 1024, 8, 8)
	defer b.Close()

	for i := 0; i < 200; i++ {
		putKV(t, b, key8(uint64(i)), key8(uint64(i)), nil)
	}
	rootFrame, err := b.td.seg.Frame(b.RootAddr())
	require.NoError(t, err)
	child := b.td.root.ntype.Child(rootFrame, 0)

	// 两个持有者
	var op1, op2 nodeOp
	require.NoError(t, nodeGet(&op1, b.td, child, false))
	require.NoError(t, nodeGet(&op2, b.td, child, false))

	// 第一个持有者释放帧：推迟生效
	nodeFree(&op1, op1.node, false, nil)
	assert.True(t, seg.Contains(child), "frame must survive while referenced")

	// 推迟期间的新装载被拒绝
	var op3 nodeOp
	err = nodeGet(&op3, b.td, child, false)
	assert.ErrorIs(t, err, basic.ErrDelayedFreeInUse)

	// 最后一个引用归还时帧真正释放
	nodePut(&op2, op2.node, false, nil)
	assert.False(t, seg.Contains(child))
}

func TestTreePoolExhaustion(t *testing.T) {
	var trees []*Btree
	for i := 0; i < MaxTrees; i++ {
		b, _ := newTestTree(t, 1024, 8, 8)
		trees = append(trees, b)
	}
	seg := segment.NewMemSegment(1 << 20)
	_, err := Create(seg, 1024, TreeType{ID: 9, Ksize: 8, Vsize: 8}, page.FixedFormat, nil)
	assert.Error(t, err)

	for _, b := range trees {
		require.NoError(t, b.Close())
	}
}
