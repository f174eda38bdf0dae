package btree

import (
	"container/list"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/segment"
)

// TreeType 树类型元数据。Ksize/Vsize为叶节点记录的定长尺寸。
type TreeType struct {
	ID    uint32
	Name  string
	Ksize int
	Vsize int
}

// td 树描述符：一棵已打开树的内存侧句柄，取自定长池
type td struct {
	// lock 树锁，保护活动链、根指针与高度；
	// 操作的提交点持写锁
	lock sync.RWMutex

	seg   segment.Provider
	ttype TreeType
	root  *nd

	// height 树高，叶在0层，root.level == height-1
	height int

	// ref 引用计数
	ref int

	// activeNds 引用未归零的节点描述符链
	activeNds *list.List

	// startTime close等待活动节点清空的起始时刻
	startTime time.Time

	// slot 在池中的下标
	slot int
}

// treeLock 整树锁未被LOCKALL持有时加写锁
func treeLock(tree *td, lockAcquired bool) {
	if !lockAcquired {
		tree.lock.Lock()
	}
}

func treeUnlock(tree *td, lockAcquired bool) {
	if !lockAcquired {
		tree.lock.Unlock()
	}
}

// treeGet 定位或装配树描述符。
// addr非空且注册表中已有指向该根的描述符时复用并增加引用计数，
// 否则从位图领取一个空闲槽位，再把根节点装载进来。
func treeGet(op *nodeOp, seg segment.Provider, addr segment.Addr) (*td, error) {
	mod.regLock.Lock()
	defer mod.regLock.Unlock()

	if addr != segment.NullAddr && mod.loaded > 0 {
		mod.lruLock.RLock()
		node := mod.ndTab[ndKey{seg: seg, addr: addr}]
		mod.lruLock.RUnlock()
		if node != nil && node.tree != nil {
			tree := node.tree
			tree.lock.Lock()
			if tree.root != nil && tree.root.addr == addr {
				tree.ref++
				op.node = tree.root
				op.tree = tree
				tree.lock.Unlock()
				return tree, nil
			}
			tree.lock.Unlock()
		}
	}

	slot := mod.inUse.FirstFree()
	if slot < 0 {
		return nil, errors.Trace(basic.ErrTreePoolExhausted)
	}
	mod.inUse.Set(slot, true)
	mod.loaded++

	tree := mod.trees[slot]
	tree.lock.Lock()
	tree.seg = seg
	tree.ref = 1
	tree.slot = slot
	tree.activeNds = list.New()
	tree.startTime = time.Time{}
	tree.lock.Unlock()

	if addr != segment.NullAddr {
		if err := nodeGet(op, tree, addr, false); err != nil {
			// regLock仍由本函数持有，就地交还槽位
			tree.lock.Lock()
			tree.ref = 0
			tree.activeNds = nil
			tree.seg = nil
			tree.lock.Unlock()
			mod.inUse.Set(slot, false)
			mod.loaded--
			return nil, errors.Annotatef(err, "loading root %v", addr)
		}
		tree.lock.Lock()
		tree.root = op.node
		tree.height = op.node.ntype.Level(op.node.frame) + 1
		tree.lock.Unlock()
	}

	op.tree = tree
	return tree, nil
}

// treePut 归还引用，计数归零时交还池槽位并拆掉活动链
func treePut(tree *td) {
	mod.regLock.Lock()
	defer mod.regLock.Unlock()

	tree.lock.Lock()
	tree.ref--
	if tree.ref > 0 {
		tree.lock.Unlock()
		return
	}
	if tree.activeNds != nil && tree.activeNds.Len() != 0 {
		logger.Warnf("btree: tree slot %d released with %d active nodes",
			tree.slot, tree.activeNds.Len())
	}
	mod.inUse.Set(tree.slot, false)
	mod.loaded--
	tree.root = nil
	tree.seg = nil
	tree.height = 0
	tree.activeNds = nil
	tree.lock.Unlock()
}
