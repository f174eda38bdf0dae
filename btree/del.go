package btree

import (
	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/page"
)

// delTick DEL操作状态机。下降定位后在树写锁下删除叶记录；
// 节点记录数归零时自底向上收缩，根只剩一个孩子时做根降级。
func delTick(bop *oper) phase {
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
		if !bop.keyFound {
			return pLock
		}
		// 根是内部节点且恰有两个孩子时，预装另一个孩子，
		// 给可能的根降级留足材料
		if bop.used > 0 &&
			bop.levels[0].node.ntype.CountRec(bop.levels[0].node.frame) == 2 {
			return delRootCaseHandle(bop)
		}
		return pLock

	case pStoreChild:
		bop.levels[1].sibling = bop.nop.node
		bop.nop.node = nil
		if !nodeIsValid(bop.levels[1].sibling) {
			return bop.restart()
		}
		bop.levels[1].sibSeq = nodeSeq(bop.levels[1].sibling)
		return pLock

	case pLock:
		bop.lockOp()
		return pCheck

	case pCheck:
		if !bop.pathCheck() || !bop.childCheck() {
			return bop.checkFailed(tree)
		}
		return pAct

	case pAct:
		slot := basic.Rec{Flags: basic.StatusSuccess}
		if !bop.keyFound {
			slot.Flags = basic.StatusKeyNotFound
		}
		// 回调先于删除执行，回调失败时树未被改动
		if bop.cb != nil {
			if err := bop.cb(&slot); err != nil {
				bop.unlockOp()
				return bop.fail(err)
			}
		}
		bop.rec.Flags = slot.Flags

		if bop.keyFound {
			lev := &bop.levels[bop.used]
			nodeDel(lev.node, lev.idx, bop.tx)
			nodeSeqUpdate(lev.node)
			nodeFix(lev.node, bop.tx)
			if bop.used != 0 && lev.node.ntype.IsUnderflow(lev.node.frame, false) {
				return delResolveUnderflow(bop)
			}
		}
		bop.unlockOp()
		return bop.sub(pFini)

	case pFreeNode:
		lev := &bop.levels[bop.used]
		if lev.freeNode {
			node := lev.node
			lev.node = nil
			lev.freeNode = false
			if bop.used > 0 {
				bop.used--
			}
			nodeFree(&bop.nop, node, false, bop.tx)
			return pFreeNode
		}
		bop.used = bop.height - 1
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

// delRootCaseHandle 根只有两条记录时判断是否需要装载另一个孩子。
// 沿下降路径逐层预判：任何一层删除后不下溢就不需要。
func delRootCaseHandle(bop *oper) phase {
	load := false
	for i := bop.used; ; i-- {
		node := bop.levels[i].node
		if !nodeIsValid(node) {
			return bop.restart()
		}
		if i == 0 {
			load = node.ntype.CountRec(node.frame) == 2
			break
		}
		if !node.ntype.IsUnderflow(node.frame, true) {
			break
		}
	}
	if !load {
		return pLock
	}

	rootLev := &bop.levels[0]
	otherIdx := 1
	if rootLev.idx != 0 {
		otherIdx = 0
	}
	child := rootLev.node.ntype.Child(rootLev.node.frame, otherIdx)
	if !bop.addressInSegment(child) {
		bop.nop.fini()
		return bop.fail(basic.ErrBadAddress)
	}
	if err := nodeGet(&bop.nop, bop.td, child, bop.lockAcquired()); err != nil {
		return bop.nodeGetFailed(err)
	}
	return pStoreChild
}

// delResolveUnderflow 叶记录删空后的收缩：逐层删除父项并标记
// 待释放的帧；根只剩一条记录时把仅存孩子的内容搬进根，树高减一。
func delResolveUnderflow(bop *oper) phase {
	tree := bop.td
	usedCount := bop.used
	lev := &bop.levels[usedCount]
	rootDemote := false

	for {
		lev.freeNode = true
		usedCount--
		lev = &bop.levels[usedCount]
		nodeDel(lev.node, lev.idx, bop.tx)

		done := false
		if usedCount == 0 {
			nt := lev.node.ntype
			switch nt.CountRec(lev.node.frame) {
			case 0:
				// 根被删空，退化为空叶
				nodeSetLevel(lev.node, 0, bop.tx)
				nodeSetValsize(lev.node, bop.tree.ttype.Vsize, bop.tx)
				tree.height = 1
				bop.tree.height = 1
				done = true
			case 1:
				rootDemote = true
			default:
				done = true
			}
		}
		nodeSeqUpdate(lev.node)
		nodeFix(lev.node, bop.tx)

		if rootDemote {
			break
		}
		if done || !lev.node.ntype.IsUnderflow(lev.node.frame, false) {
			bop.unlockOp()
			return pFreeNode
		}
	}

	// 根降级：根仅存的孩子整体搬进根帧，树高减一
	root := lev.node
	nt := root.ntype
	curLevel := nt.Level(root.frame)
	nodeDel(root, 0, bop.tx)

	rootChild := bop.levels[1].sibling
	childNt := rootChild.ntype

	nodeSetLevel(root, curLevel-1, bop.tx)
	nodeSetValsize(root, childNt.Valsize(rootChild.frame), bop.tx)
	tree.height--
	bop.tree.height = tree.height

	nodeMove(rootChild, root, page.DirRight, page.MoveMax, bop.tx)
	nodeSeqUpdate(root)
	nodeFix(root, bop.tx)

	bop.unlockOp()

	bop.levels[1].sibling = nil
	nodeFree(&bop.nop, rootChild, false, bop.tx)
	return pFreeNode
}
