package btree

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/page"
	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
)

// seqSource 序列号发生源，新建描述符从这里取初值，
// 保证复活后的描述符不会与旧快照撞号
var seqSource uint64

// nd 节点描述符：段上活动节点的内存侧句柄。
// 引用计数归零后描述符迁入全局LRU，树回指针清空；
// 再次访问时从LRU复活并重新绑定树。
type nd struct {
	addr  segment.Addr
	seg   segment.Provider
	frame []byte
	ntype page.NodeType

	// tree 所属树，位于LRU时为nil
	tree *td

	// lock 保护引用计数与delayedFree
	lock sync.RWMutex

	// ref 下降持有者计数
	ref int
	// txRef 事务捕获持有者计数，非零时不可被LRU回收，
	// 原子访问：purge在持LRU锁时读取，不得再嵌套节点锁
	txRef int64
	// seq 每次变更递增的序列号，乐观校验的根基
	seq uint64
	// delayedFree 置位后帧释放推迟到引用归零
	delayedFree bool

	// elem 在所属树活动链或全局LRU链中的位置
	elem *list.Element
}

// nodeOp 节点装载/分配操作的参数与结果交换区
type nodeOp struct {
	node *nd
	tree *td
	addr segment.Addr
	err  error
}

func (op *nodeOp) fini() {
	op.node = nil
	op.err = nil
}

// nodeIsValid 描述符指向的帧仍然是合法节点
func nodeIsValid(node *nd) bool {
	return node != nil && node.ntype.IsValid(node.frame)
}

// nodeVerify 帧footer校验
func nodeVerify(node *nd) bool {
	return node.ntype.Verify(node.frame)
}

// nodeSeqUpdate 变更后递增序列号
func nodeSeqUpdate(node *nd) {
	atomic.AddUint64(&node.seq, 1)
}

func nodeSeq(node *nd) uint64 {
	return atomic.LoadUint64(&node.seq)
}

// nodeGet 装载addr处节点的描述符并增加引用计数。
// 描述符已在表中时直接复用；位于LRU时复活并重新挂回tree的活动链。
// lockAcquired为真表示调用方已持有整树锁。
func nodeGet(op *nodeOp, tree *td, addr segment.Addr, lockAcquired bool) error {
	key := ndKey{seg: tree.seg, addr: addr}

	for {
		mod.lruLock.RLock()
		node := mod.ndTab[key]
		mod.lruLock.RUnlock()

		if node != nil && node.addr == addr {
			node.lock.Lock()
			if node.delayedFree {
				node.lock.Unlock()
				op.err = basic.ErrDelayedFreeInUse
				return op.err
			}
			inLRU := node.ref == 0
			node.ref++
			if inLRU {
				// 摘出LRU前确认描述符没有被并发purge掉
				mod.lruLock.Lock()
				if mod.ndTab[key] != node {
					mod.lruLock.Unlock()
					node.ref--
					node.lock.Unlock()
					continue
				}
				if node.elem != nil {
					mod.lru.Remove(node.elem)
					node.elem = nil
				}
				mod.lruLock.Unlock()
				// 回指针在nodePut时被清空，复活时重新绑定
				node.tree = tree
			}
			node.lock.Unlock()

			if inLRU {
				treeLock(tree, lockAcquired)
				node.elem = tree.activeNds.PushBack(node)
				treeUnlock(tree, lockAcquired)
			}
			atomic.AddUint64(&mod.hits, 1)
			op.node = node
			return nil
		}

		atomic.AddUint64(&mod.misses, 1)

		frame, err := tree.seg.Frame(addr)
		if err != nil {
			op.err = err
			return err
		}
		nt := page.NodeTypeByID(page.FixedFormat.NtypeGet(frame))
		if nt == nil {
			op.err = basic.ErrBadFormat
			return op.err
		}

		node = &nd{
			addr:  addr,
			seg:   tree.seg,
			frame: frame,
			ntype: nt,
			tree:  tree,
			ref:   1,
			seq:   atomic.AddUint64(&seqSource, 1),
		}
		// 帧内opaque槽缓存描述符标识，仅内存内有意义
		nt.OpaqueSet(frame, node.seq)

		mod.lruLock.Lock()
		if _, raced := mod.ndTab[key]; raced {
			// 输掉安装竞争，换用赢家的描述符
			mod.lruLock.Unlock()
			continue
		}
		mod.ndTab[key] = node
		mod.lruLock.Unlock()

		treeLock(tree, lockAcquired)
		node.elem = tree.activeNds.PushBack(node)
		treeUnlock(tree, lockAcquired)

		op.node = node
		return nil
	}
}

// nodePut 归还引用。计数归零时描述符迁入LRU头部并清空树回指针；
// 带delayedFree标记的描述符在此处完成真正的帧释放。
// 锁序固定为树锁、节点锁、LRU锁，与nodeGet的复活路径不构成环。
func nodePut(op *nodeOp, node *nd, lockAcquired bool, tx transaction.Tx) {
	tree := node.tree
	treeLock(tree, lockAcquired)
	node.lock.Lock()
	node.ref--
	if node.ref > 0 {
		node.lock.Unlock()
		treeUnlock(tree, lockAcquired)
		return
	}

	if node.elem != nil {
		tree.activeNds.Remove(node.elem)
		node.elem = nil
	}

	if node.delayedFree {
		node.lock.Unlock()
		treeUnlock(tree, lockAcquired)
		nodeReclaim(node, tx)
		return
	}

	atomic.StoreUint64(&node.seq, 0)
	// 树描述符可能先于LRU里的节点被释放，回指针必须清空，
	// 复活时由nodeGet重新绑定
	node.tree = nil

	mod.lruLock.Lock()
	node.elem = mod.lru.PushFront(node)
	mod.lruLock.Unlock()
	node.lock.Unlock()
	treeUnlock(tree, lockAcquired)
}

// nodeReclaim 完成帧释放。调用前描述符已从活动链摘除。
func nodeReclaim(node *nd, tx transaction.Tx) {
	mod.lruLock.Lock()
	delete(mod.ndTab, ndKey{seg: node.seg, addr: node.addr})
	mod.lruLock.Unlock()

	node.ntype.OpaqueSet(node.frame, 0)
	nodeCapture(node, tx, node.ntype.Fini(node.frame)...)
	if err := node.seg.FreeFrame(node.addr); err != nil {
		logger.Errorf("btree: free frame %v failed: %v", node.addr, err)
	}
}

// nodeAlloc 分配一个2^shift字节的帧，初始化为空节点并返回其描述符
func nodeAlloc(op *nodeOp, tree *td, shift int, nt page.NodeType,
	ksize, vsize int, lockAcquired bool, tx transaction.Tx) error {

	addr, frame, err := tree.seg.AllocFrame(shift)
	if err != nil {
		op.err = err
		return err
	}

	node := &nd{
		addr:  addr,
		seg:   tree.seg,
		frame: frame,
		ntype: nt,
		tree:  tree,
		ref:   1,
		seq:   atomic.AddUint64(&seqSource, 1),
	}
	nodeCapture(node, tx, nt.Init(frame, shift, ksize, vsize, tree.ttype.ID)...)
	nt.OpaqueSet(frame, node.seq)

	mod.lruLock.Lock()
	mod.ndTab[ndKey{seg: tree.seg, addr: addr}] = node
	mod.lruLock.Unlock()

	treeLock(tree, lockAcquired)
	node.elem = tree.activeNds.PushBack(node)
	treeUnlock(tree, lockAcquired)

	op.node = node
	op.addr = addr
	return nil
}

// nodeFree 释放节点帧。仍有其他持有者时置delayedFree，
// 由最后一次nodePut完成释放。调用方自己的引用随之归还。
func nodeFree(op *nodeOp, node *nd, lockAcquired bool, tx transaction.Tx) {
	tree := node.tree
	treeLock(tree, lockAcquired)
	node.lock.Lock()
	node.ref--
	if node.ref > 0 {
		node.delayedFree = true
		node.lock.Unlock()
		treeUnlock(tree, lockAcquired)
		return
	}
	if node.elem != nil {
		tree.activeNds.Remove(node.elem)
		node.elem = nil
	}
	node.lock.Unlock()
	treeUnlock(tree, lockAcquired)
	nodeReclaim(node, tx)
}

// nodeCapture 把写原语产生的脏区间转发给事务，
// 并为参与事务的节点维护事务引用计数
func nodeCapture(node *nd, tx transaction.Tx, ranges ...transaction.Range) {
	if tx == nil || len(ranges) == 0 {
		return
	}
	for _, r := range ranges {
		tx.Capture(node.addr, node.frame, r.Off, r.Len)
	}
	atomic.AddInt64(&node.txRef, 1)
	tx.OnCommit(func() {
		atomic.AddInt64(&node.txRef, -1)
	})
}

// 捕获感知的节点写原语封装，格式实现本身不感知事务

func nodeMake(node *nd, idx int, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.Make(node.frame, idx)...)
}

func nodeDel(node *nd, idx int, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.Del(node.frame, idx)...)
}

func nodeSetLevel(node *nd, level int, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.SetLevel(node.frame, level)...)
}

func nodeSetValsize(node *nd, vsize int, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.SetValsize(node.frame, vsize)...)
}

// nodeFix 变更收尾：重算footer并上报
func nodeFix(node *nd, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.Fix(node.frame)...)
}

// nodeSlotDone 槽位填充完成后上报槽位区间
func nodeSlotDone(node *nd, idx int, tx transaction.Tx) {
	nodeCapture(node, tx, node.ntype.SlotRange(node.frame, idx))
}

// nodeMove 在两个节点间搬移记录并上报双方脏区间，
// 结束后两个节点的序列号均递增
func nodeMove(src, tgt *nd, dir page.Dir, nr int, tx transaction.Tx) {
	srcRanges, tgtRanges := page.Move(src.ntype, src.frame, tgt.frame, dir, nr)
	nodeCapture(src, tx, srcRanges...)
	nodeCapture(tgt, tx, tgtRanges...)
	nodeSeqUpdate(src)
	nodeSeqUpdate(tgt)
}
