package btree

import (
	"bytes"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/page"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

// putTick PUT操作状态机。下降到叶子后自底向上为可能溢出的层
// 预分配备用节点，再在树写锁下完成插入与分裂。
func putTick(bop *oper) phase {
	tree := bop.td

	switch bop.ph {
	case pInit:
		if bop.flags&basic.BofCookie != 0 && bop.rec.Cookie.IsSet() {
			return pCookie
		}
		return pSetup

	case pCookie:
		if cookieIsValid(tree, &bop.rec.Cookie) {
			return pLock
		}
		return pSetup

	case pSetup:
		bop.height = tree.height
		bop.levelAlloc(bop.height)
		bop.keyFound = false
		return pLockAll

	case pLockAll:
		if bop.flags&basic.BofLockAll != 0 {
			bop.lockOp()
		}
		return pDown

	case pDown:
		bop.used = 0
		if err := nodeGet(&bop.nop, tree, tree.root.addr, bop.lockAcquired()); err != nil {
			return bop.fail(err)
		}
		return pNextDown

	case pNextDown:
		lev := &bop.levels[bop.used]
		lev.node = bop.nop.node
		lev.seq = nodeSeq(lev.node)
		bop.nop.node = nil

		if !nodeIsValid(lev.node) || !nodeVerify(lev.node) {
			return bop.restart()
		}

		nt := lev.node.ntype
		idx, found := nt.Find(lev.node.frame, bop.rec.Key)
		bop.keyFound = found
		lev.idx = idx

		if nt.Level(lev.node.frame) > 0 {
			if found {
				lev.idx++
				idx++
			}
			child := nt.Child(lev.node.frame, idx)
			if !bop.addressInSegment(child) {
				bop.nop.fini()
				return bop.fail(basic.ErrBadAddress)
			}
			bop.used++
			if err := nodeGet(&bop.nop, tree, child, bop.lockAcquired()); err != nil {
				return bop.nodeGetFailed(err)
			}
			return pNextDown
		}
		if found {
			return pLock
		}
		return pAlloc

	case pAlloc:
		// 自叶向根标记将要溢出的层，为每层补齐备用节点；
		// 根溢出还需要额外节点承接旧根内容
		for {
			lev := &bop.levels[bop.used]
			if !nodeIsValid(lev.node) {
				bop.used = bop.height - 1
				return bop.restart()
			}
			if !lev.node.ntype.IsOverflow(lev.node.frame) {
				break
			}
			if bop.used == 0 {
				if bop.extra == nil || lev.alloc == nil {
					return putAllocPhase(bop)
				}
				break
			}
			if lev.alloc == nil {
				return putAllocPhase(bop)
			}
			bop.used--
		}
		bop.used = bop.height - 1
		return pLock

	case pLock:
		bop.lockOp()
		return pCheck

	case pCheck:
		if !bop.pathCheck() {
			return bop.checkFailed(tree)
		}
		return pMakeSpace

	case pMakeSpace:
		if bop.keyFound {
			// 键已存在，不做任何修改
			slot := basic.Rec{Flags: basic.StatusKeyExists}
			if bop.cb != nil {
				if err := bop.cb(&slot); err != nil {
					bop.unlockOp()
					return bop.fail(err)
				}
			}
			bop.rec.Flags = basic.StatusKeyExists
			bop.unlockOp()
			return bop.sub(pFini)
		}

		lev := &bop.levels[bop.used]
		if !lev.node.ntype.IsFit(lev.node.frame) {
			return putMakeSpacePhase(bop)
		}
		nodeMake(lev.node, lev.idx, bop.tx)
		return pAct

	case pAct:
		lev := &bop.levels[bop.used]
		nt := lev.node.ntype
		slot := basic.Rec{
			Key:   nt.Key(lev.node.frame, lev.idx),
			Val:   nt.Val(lev.node.frame, lev.idx),
			Flags: basic.StatusSuccess,
		}
		if err := bop.callPutCB(&slot); err != nil {
			// 回调失败，撤销腾出的槽位
			nodeDel(lev.node, lev.idx, bop.tx)
			nodeSeqUpdate(lev.node)
			nodeFix(lev.node, bop.tx)
			bop.unlockOp()
			return bop.fail(err)
		}
		nodeSlotDone(lev.node, lev.idx, bop.tx)
		nodeSeqUpdate(lev.node)
		nodeFix(lev.node, bop.tx)
		bop.rec.Flags = basic.StatusSuccess

		bop.unlockOp()
		return bop.sub(pFini)

	case pCleanup:
		bop.unlockOp()
		bop.levelCleanup()
		return bop.resume

	case pFini:
		return pDone
	}
	return pDone
}

// callPutCB 把记录槽位交给回调填充；未提供回调时按默认语义
// 拷贝操作自带的key/value
func (bop *oper) callPutCB(slot *basic.Rec) error {
	if bop.cb != nil {
		return bop.cb(slot)
	}
	copy(slot.Key, bop.rec.Key)
	copy(slot.Val, bop.rec.Val)
	return nil
}

// putAllocPhase 为bop.used所在层分配备用节点。根层先补额外节点，
// 再补本层备用节点；其余层补齐后继续向上检查。
func putAllocPhase(bop *oper) phase {
	tree := bop.td
	lev := &bop.levels[bop.used]
	nt := lev.node.ntype
	ksize := nt.Keysize(lev.node.frame)
	vsize := nt.Valsize(lev.node.frame)
	shift := nt.Shift(lev.node.frame)

	if err := nodeAlloc(&bop.nop, tree, shift, nt, ksize, vsize,
		bop.lockAcquired(), bop.tx); err != nil {
		bop.nop.fini()
		bop.used = bop.height - 1
		return bop.fail(basic.ErrNoMemory)
	}

	if bop.used == 0 && bop.extra == nil {
		bop.extra = bop.nop.node
	} else {
		lev.alloc = bop.nop.node
		if bop.used > 0 {
			bop.used--
		}
	}
	bop.nop.node = nil
	return pAlloc
}

// splitAndFind 把node的左半部分搬到alloc，返回key的落点
func (bop *oper) splitAndFind(alloc, node *nd, key []byte) (*nd, int) {
	nt := node.ntype

	nodeSetLevel(alloc, nt.Level(node.frame), bop.tx)
	nodeMove(node, alloc, page.DirLeft, page.MoveEven, bop.tx)

	// 右节点首键决定落点方向
	if bytes.Compare(key, nt.Key(node.frame, 0)) < 0 {
		// 目标是左节点。内部节点的查找不会与末槽键比较，
		// key比末槽键还大时直接落到末槽之后
		if nt.Level(alloc.frame) > 0 {
			last := nt.Count(alloc.frame)
			if bytes.Compare(key, nt.Key(alloc.frame, last)) > 0 {
				return alloc, last + 1
			}
		}
		idx, _ := nt.Find(alloc.frame, key)
		return alloc, idx
	}
	idx, _ := nt.Find(node.frame, key)
	return node, idx
}

// putMakeSpacePhase 处理插入溢出：逐层分裂并把提升键插往父层，
// 直到某层放得下；根也放不下时走根分裂。
func putMakeSpacePhase(bop *oper) phase {
	tree := bop.td
	lev := &bop.levels[bop.used]

	// 叶层分裂并插入新记录
	tgt, tgtIdx := bop.splitAndFind(lev.alloc, lev.node, bop.rec.Key)
	nodeMake(tgt, tgtIdx, bop.tx)
	slot := basic.Rec{
		Key:   tgt.ntype.Key(tgt.frame, tgtIdx),
		Val:   tgt.ntype.Val(tgt.frame, tgtIdx),
		Flags: basic.StatusSuccess,
	}
	if err := bop.callPutCB(&slot); err != nil {
		// 回调失败，撤销分裂：删掉新槽位，把记录搬回原节点
		nodeDel(tgt, tgtIdx, bop.tx)
		nodeSeqUpdate(tgt)
		nodeFix(tgt, bop.tx)
		nodeMove(lev.alloc, lev.node, page.DirRight, page.MoveMax, bop.tx)
		bop.unlockOp()
		return bop.fail(err)
	}
	nodeSlotDone(tgt, tgtIdx, bop.tx)
	nodeSeqUpdate(tgt)
	nodeFix(tgt, bop.tx)
	bop.rec.Flags = basic.StatusSuccess

	// 提升记录：键为右节点首键，值为左节点（备用节点）地址
	promoKey := append([]byte(nil), lev.node.ntype.Key(lev.node.frame, 0)...)
	promoChild := lev.alloc

	for i := bop.used - 1; i >= 0; i-- {
		// 下层备用节点已接入树，归还本操作的引用
		childLev := &bop.levels[i+1]
		nodePut(&bop.nop, childLev.alloc, true, bop.tx)
		childLev.alloc = nil

		lev = &bop.levels[i]
		nt := lev.node.ntype

		if nt.IsFit(lev.node.frame) {
			nodeMake(lev.node, lev.idx, bop.tx)
			copy(nt.Key(lev.node.frame, lev.idx), promoKey)
			util.WriteUInt8(nt.Val(lev.node.frame, lev.idx), 0, uint64(promoChild.addr))
			nodeSlotDone(lev.node, lev.idx, bop.tx)
			nodeSeqUpdate(lev.node)
			nodeFix(lev.node, bop.tx)

			bop.unlockOp()
			return bop.sub(pFini)
		}

		// 本层也满，继续分裂
		tgt, tgtIdx = bop.splitAndFind(lev.alloc, lev.node, promoKey)
		nodeMake(tgt, tgtIdx, bop.tx)
		copy(nt.Key(tgt.frame, tgtIdx), promoKey)
		util.WriteUInt8(nt.Val(tgt.frame, tgtIdx), 0, uint64(promoChild.addr))
		nodeSlotDone(tgt, tgtIdx, bop.tx)
		nodeSeqUpdate(tgt)
		nodeFix(tgt, bop.tx)

		// 内部层的提升键取左节点末槽键
		last := nt.Count(lev.alloc.frame)
		promoKey = append(promoKey[:0], nt.Key(lev.alloc.frame, last)...)
		promoChild = lev.alloc
	}

	return putRootSplitHandle(bop, promoKey, promoChild, tree)
}

// putRootSplitHandle 根分裂：旧根整体搬进额外节点，根自身变成
// 只有两个孩子的新内部节点，树高加一。根地址保持不变。
func putRootSplitHandle(bop *oper, promoKey []byte, promoChild *nd, tree *td) phase {
	lev := &bop.levels[0]
	root := lev.node
	nt := root.ntype

	curLevel := nt.Level(root.frame)
	nodeSetLevel(bop.extra, curLevel, bop.tx)

	nodeMove(root, bop.extra, page.DirRight, page.MoveMax, bop.tx)

	// 根升级为内部节点：层级加一，value域改存子节点地址
	nodeSetLevel(root, curLevel+1, bop.tx)
	nodeSetValsize(root, page.InternalValSize, bop.tx)

	// 槽0：提升记录，指向左侧分裂节点
	nodeMake(root, 0, bop.tx)
	copy(nt.Key(root.frame, 0), promoKey)
	util.WriteUInt8(nt.Val(root.frame, 0), 0, uint64(promoChild.addr))
	nodeSlotDone(root, 0, bop.tx)

	// 槽1：哨兵，键空置，指向承接旧根内容的额外节点
	nodeMake(root, 1, bop.tx)
	for i := range nt.Key(root.frame, 1) {
		nt.Key(root.frame, 1)[i] = 0
	}
	util.WriteUInt8(nt.Val(root.frame, 1), 0, uint64(bop.extra.addr))
	nodeSlotDone(root, 1, bop.tx)

	nodeSeqUpdate(root)
	nodeFix(root, bop.tx)

	tree.height++
	bop.tree.height = tree.height

	// 两个新节点都已接入树
	nodePut(&bop.nop, lev.alloc, true, bop.tx)
	lev.alloc = nil
	nodePut(&bop.nop, bop.extra, true, bop.tx)
	bop.extra = nil

	bop.unlockOp()
	return bop.sub(pFini)
}
