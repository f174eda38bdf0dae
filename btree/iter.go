package btree

import (
	"github.com/zhukovaskychina/xbtree-engine/basic"
)

// iterTick 迭代状态机。下降时记录枢轴层（迭代方向上仍有后继的
// 最深内部层）；叶内越界时从枢轴层取兄弟子树，一路下到
// 方向侧最边缘的叶子。
func iterTick(bop *oper) phase {
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
		return pLockAll

	case pLockAll:
		if bop.flags&basic.BofLockAll != 0 {
			bop.lockOp()
		}
		return pDown

	case pDown:
		bop.used = 0
		bop.pivot = -1
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
			// 迭代方向上仍有邻居的最深内部层即枢轴层
			if (bop.flags&basic.BofNext != 0 && lev.idx < nt.Count(lev.node.frame)) ||
				(bop.flags&basic.BofPrev != 0 && lev.idx > 0) {
				bop.pivot = bop.used
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

		// 叶层：换算迭代方向上的目标下标
		lev.idx = siblingIndexGet(idx, bop.flags, bop.keyFound)

		// 目标落在叶内，或已到树边界，直接进入提交点
		if indexIsValid(lev) || bop.pivot == -1 {
			return pLock
		}

		// 从枢轴层装载兄弟子树
		pivotLev := &bop.levels[bop.pivot]
		if !nodeIsValid(pivotLev.node) || !nodeVerify(pivotLev.node) {
			bop.nop.fini()
			bop.flags |= basic.BofLockAll
			return bop.sub(pSetup)
		}
		if pivotLev.seq != nodeSeq(pivotLev.node) {
			bop.flags |= basic.BofLockAll
			return bop.sub(pSetup)
		}

		sibIdx := siblingIndexGet(pivotLev.idx, bop.flags, true)
		child := pivotLev.node.ntype.Child(pivotLev.node.frame, sibIdx)
		if !bop.addressInSegment(child) {
			bop.nop.fini()
			return bop.fail(basic.ErrBadAddress)
		}
		bop.pivot++
		if err := nodeGet(&bop.nop, tree, child, bop.lockAcquired()); err != nil {
			return bop.nodeGetFailed(err)
		}
		return pSibling

	case pSibling:
		lev := &bop.levels[bop.pivot]
		lev.sibling = bop.nop.node
		lev.sibSeq = nodeSeq(lev.sibling)
		bop.nop.node = nil

		if !nodeIsValid(lev.sibling) || !nodeVerify(lev.sibling) {
			return bop.sub(pSetup)
		}

		nt := lev.sibling.ntype
		if nt.Level(lev.sibling.frame) > 0 {
			// NEXT下到最左子树，PREV下到最右子树
			idx := 0
			if bop.flags&basic.BofNext == 0 {
				idx = nt.Count(lev.sibling.frame)
			}
			child := nt.Child(lev.sibling.frame, idx)
			if !bop.addressInSegment(child) {
				bop.nop.fini()
				return bop.fail(basic.ErrBadAddress)
			}
			bop.pivot++
			if err := nodeGet(&bop.nop, tree, child, bop.lockAcquired()); err != nil {
				return bop.nodeGetFailed(err)
			}
			return pSibling
		}
		return pLock

	case pLock:
		bop.lockOp()
		return pCheck

	case pCheck:
		if !bop.pathCheck() || !bop.iterSiblingCheck() {
			return bop.checkFailed(tree)
		}
		return pAct

	case pAct:
		lev := &bop.levels[bop.used]
		slot := basic.Rec{Flags: basic.StatusSuccess}

		if indexIsValid(lev) {
			nt := lev.node.ntype
			slot.Key = nt.Key(lev.node.frame, lev.idx)
			slot.Val = nt.Val(lev.node.frame, lev.idx)
		} else if bop.pivot == -1 {
			// 迭代越过树的最左/最右边界
			slot.Flags = basic.StatusKeyBtreeBoundary
		} else {
			sib := bop.levels[bop.pivot].sibling
			nt := sib.ntype
			idx := 0
			if bop.flags&basic.BofNext == 0 {
				idx = nt.Count(sib.frame) - 1
			}
			slot.Key = nt.Key(sib.frame, idx)
			slot.Val = nt.Val(sib.frame, idx)
		}

		if bop.cb != nil {
			if err := bop.cb(&slot); err != nil {
				bop.unlockOp()
				return bop.fail(err)
			}
		}
		bop.rec.Flags = slot.Flags

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

// iterSiblingCheck 校验沿枢轴路径装载的全部兄弟节点
func (bop *oper) iterSiblingCheck() bool {
	if bop.pivot < 0 {
		return true
	}
	for i := 0; i <= bop.pivot && i < len(bop.levels); i++ {
		sib := bop.levels[i].sibling
		if sib == nil {
			continue
		}
		if !nodeIsValid(sib) {
			bop.nop.fini()
			return false
		}
		if bop.levels[i].sibSeq != nodeSeq(sib) {
			return false
		}
	}
	return true
}
