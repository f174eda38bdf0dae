package btree

import (
	"github.com/zhukovaskychina/xbtree-engine/basic"
)

// getTick GET操作状态机。乐观下降到叶子，提交点持树写锁做
// 路径校验，通过后把记录槽位交给回调。
func getTick(bop *oper) phase {
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
		if err := nodeGet(&bop.nop, tree, tree.root.addr, bop.lockAcquired()); err != nil {
			return bop.fail(err)
		}
		return pNextDown

	case pNextDown:
		lev := &bop.levels[bop.used]
		lev.node = bop.nop.node
		lev.seq = nodeSeq(lev.node)

		// 节点可能在装载后被其他操作释放或改写，
		// 标签与footer校验不过就重启下降
		if !nodeIsValid(lev.node) || !nodeVerify(lev.node) {
			return bop.restart()
		}

		nt := lev.node.ntype
		idx, found := nt.Find(lev.node.frame, bop.rec.Key)
		bop.keyFound = found
		lev.idx = idx

		if nt.Level(lev.node.frame) > 0 {
			if found {
				// 内部节点精确命中走右子树
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
		return pLock

	case pLock:
		bop.lockOp()
		return pCheck

	case pCheck:
		if !bop.pathCheck() {
			return bop.checkFailed(tree)
		}
		return pAct

	case pAct:
		lev := &bop.levels[bop.used]
		nt := lev.node.ntype
		slot := basic.Rec{Flags: basic.StatusSuccess}

		if bop.flags&basic.BofEqual != 0 || bop.flags&basic.BofSlant == 0 {
			// EQUAL：精确匹配，未指定语义时的默认
			if bop.keyFound {
				slot.Key = nt.Key(lev.node.frame, lev.idx)
				slot.Val = nt.Val(lev.node.frame, lev.idx)
			} else {
				slot.Flags = basic.StatusKeyNotFound
			}
		} else {
			// SLANT：命中或后继
			if lev.idx < nt.Count(lev.node.frame) {
				slot.Key = nt.Key(lev.node.frame, lev.idx)
				slot.Val = nt.Val(lev.node.frame, lev.idx)
			} else if err := bop.siblingFirstKeyGet(&slot); err != nil {
				bop.nop.fini()
				bop.unlockOp()
				return bop.fail(err)
			}
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
