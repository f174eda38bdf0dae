package btree

import (
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
)

// Opcode 操作类型
type Opcode int

const (
	OpCreate Opcode = iota
	OpOpen
	OpClose
	OpDestroy
	OpGet
	OpPut
	OpDel
	OpIter
)

func (o Opcode) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpOpen:
		return "OPEN"
	case OpClose:
		return "CLOSE"
	case OpDestroy:
		return "DESTROY"
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDel:
		return "DEL"
	case OpIter:
		return "ITER"
	}
	return "UNKNOWN"
}

// phase 状态机相位。每次tick推进一个相位，长耗时一步（节点装载、
// 帧分配、帧释放、锁竞争）都落在独立相位上，保持操作可挂起可重入。
type phase int

const (
	pInit phase = iota
	pCookie
	pSetup
	pLockAll
	pDown
	pNextDown
	pSibling
	pAlloc
	pStoreChild
	pLock
	pCheck
	pMakeSpace
	pAct
	pFreeNode
	pCleanup
	pFini
	pTimeCheck
	pDone
)

var phaseNames = map[phase]string{
	pInit: "INIT", pCookie: "COOKIE", pSetup: "SETUP", pLockAll: "LOCKALL",
	pDown: "DOWN", pNextDown: "NEXTDOWN", pSibling: "SIBLING", pAlloc: "ALLOC",
	pStoreChild: "STORE_CHILD", pLock: "LOCK", pCheck: "CHECK",
	pMakeSpace: "MAKESPACE", pAct: "ACT", pFreeNode: "FREENODE",
	pCleanup: "CLEANUP", pFini: "FINI", pTimeCheck: "TIMECHECK", pDone: "DONE",
}

func (p phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "INVALID"
}

// level 下降路径上一层的状态
type level struct {
	// node 本层持有的节点
	node *nd
	// seq 装载时的序列号快照
	seq uint64
	// sibling 本层兄弟节点（迭代/根收缩用）
	sibling *nd
	sibSeq  uint64
	// idx 本层定位到的槽位下标
	idx int
	// alloc 本层预分配的分裂备用节点
	alloc *nd
	// freeNode DEL标记：FREENODE相位释放该层节点帧
	freeNode bool
}

// oper 单次操作上下文
type oper struct {
	opc   Opcode
	tree  *Btree
	td    *td
	rec   basic.Rec
	cb    basic.Callback
	flags basic.OpFlags
	tx    transaction.Tx

	// height SETUP时的树高快照，CHECK据此识别结构变化
	height int

	levels   []level
	used     int
	pivot    int
	keyFound bool
	// extra 根分裂时承接旧根内容的额外节点
	extra *nd
	// trial CHECK失败重试计数
	trial int

	nop    nodeOp
	ph     phase
	resume phase
	rc     error

	// lockHeld 本操作当前是否持有树写锁
	lockHeld bool

	traceID string
}

func newOper(opc Opcode, tree *Btree, flags basic.OpFlags, tx transaction.Tx) *oper {
	return &oper{
		opc:     opc,
		tree:    tree,
		td:      tree.td,
		flags:   flags,
		tx:      tx,
		pivot:   -1,
		traceID: uuid.NewString(),
	}
}

// lockAcquired 本操作是否已持有树写锁
func (bop *oper) lockAcquired() bool {
	return bop.lockHeld
}

// lockOp 提交点取整树写锁，已持有时为空操作
func (bop *oper) lockOp() {
	if !bop.lockHeld {
		bop.td.lock.Lock()
		bop.lockHeld = true
	}
}

// unlockOp 释放树写锁，未持有时为空操作
func (bop *oper) unlockOp() {
	if bop.lockHeld {
		bop.td.lock.Unlock()
		bop.lockHeld = false
	}
}

// sub 进入CLEANUP并在其完成后转到resume相位
func (bop *oper) sub(resume phase) phase {
	bop.resume = resume
	return pCleanup
}

// fail 记录错误并经CLEANUP收尾
func (bop *oper) fail(err error) phase {
	bop.rc = err
	logger.WithOp("btree", bop.opc, bop.traceID).Debugf("operation failed: %v", err)
	return bop.sub(pFini)
}

// restart 下降中途发现节点失效或格式校验不过，清场后从SETUP重来。
// 重试耗尽后升级整树锁；整树锁下仍然失效则按坏格式终止。
func (bop *oper) restart() phase {
	bop.trial++
	if bop.trial >= MaxTrials {
		if bop.flags&basic.BofLockAll != 0 {
			return bop.fail(basic.ErrBadFormat)
		}
		bop.flags |= basic.BofLockAll
	}
	return bop.sub(pSetup)
}

// nodeGetFailed 下降途中节点装载失败的分流：并发释放（帧已不在、
// 延迟释放中、格式被抹除）只是输掉竞争，重启下降；其余错误终止操作。
func (bop *oper) nodeGetFailed(err error) phase {
	bop.nop.fini()
	switch errors.Cause(err) {
	case basic.ErrFrameNotFound, basic.ErrDelayedFreeInUse, basic.ErrBadFormat:
		return bop.restart()
	}
	return bop.fail(err)
}

// exec 推进状态机直到DONE
func (bop *oper) exec(tick func(*oper) phase) error {
	bop.ph = pInit
	for bop.ph != pDone {
		bop.ph = tick(bop)
	}
	return bop.rc
}

// levelAlloc 按树高快照分配层栈
func (bop *oper) levelAlloc(height int) {
	bop.levels = make([]level, height)
}

// levelCleanup 释放层栈持有的所有节点、备用节点、兄弟节点与额外节点。
// 调用时不得持有树锁。
func (bop *oper) levelCleanup() {
	for i := 0; i <= bop.used && i < len(bop.levels); i++ {
		lev := &bop.levels[i]
		if lev.node != nil {
			nodePut(&bop.nop, lev.node, false, bop.tx)
			lev.node = nil
		}
		if lev.alloc != nil {
			// 备用节点在ALLOC相位分配后未被接入树，退还给分配器
			nodeFree(&bop.nop, lev.alloc, false, bop.tx)
			lev.alloc = nil
		}
		if lev.sibling != nil {
			nodePut(&bop.nop, lev.sibling, false, bop.tx)
			lev.sibling = nil
		}
		lev.freeNode = false
	}
	if bop.extra != nil {
		nodeFree(&bop.nop, bop.extra, false, bop.tx)
		bop.extra = nil
	}
	bop.levels = nil
}

// cookieIsValid 快速路径cookie校验。协议上cookie指向上次操作
// 返回的叶节点；当前实现始终判定失效，走完整下降。
func cookieIsValid(tree *td, cookie *basic.Cookie) bool {
	return false
}

// pathCheck 乐观校验：下降栈上每个节点仍然合法且序列号未变
func (bop *oper) pathCheck() bool {
	for i := bop.used; i >= 0; i-- {
		node := bop.levels[i].node
		if !nodeIsValid(node) {
			bop.nop.fini()
			return false
		}
		if bop.levels[i].seq != nodeSeq(node) {
			return false
		}
	}
	return true
}

// childCheck 校验DEL根收缩预装载的根子节点
func (bop *oper) childCheck() bool {
	if bop.used == 0 {
		return true
	}
	sib := bop.levels[1].sibling
	if sib == nil {
		return true
	}
	if !nodeIsValid(sib) {
		return false
	}
	return bop.levels[1].sibSeq == nodeSeq(sib)
}

// checkFailed CHECK失败的公共路径：计数重试、必要时升级整树锁，
// 高度变化时从SETUP重来，否则从LOCKALL重来。
func (bop *oper) checkFailed(tree *td) phase {
	bop.trial++
	if bop.trial >= MaxTrials {
		if bop.flags&basic.BofLockAll != 0 {
			bop.unlockOp()
			return bop.fail(basic.ErrTooManyRetries)
		}
		logger.WithOp("btree", bop.opc, bop.traceID).
			Debugf("escalating to lockall after %d trials", bop.trial)
		bop.flags |= basic.BofLockAll
	}
	heightChanged := bop.height != tree.height
	bop.unlockOp()
	if heightChanged {
		return bop.sub(pSetup)
	}
	return pLockAll
}

// addressInSegment 校验从帧里读出的子节点地址
func (bop *oper) addressInSegment(addr segment.Addr) bool {
	return addr.IsValid() && bop.td.seg.Contains(addr)
}

// siblingIndexGet 按迭代方向换算兄弟槽位下标
func siblingIndexGet(idx int, flags basic.OpFlags, keyExists bool) int {
	if flags&basic.BofNext != 0 {
		if keyExists {
			return idx + 1
		}
		return idx
	}
	return idx - 1
}

// indexIsValid 下标是否落在本层节点的有效键范围内
func indexIsValid(lev *level) bool {
	return lev.idx >= 0 && lev.idx < lev.node.ntype.Count(lev.node.frame)
}

// siblingFirstKeyGet 从叶+1层向根找到仍有后继的层，
// 沿其兄弟子树一路下到最左叶，取首条记录。
// 调用时树锁已持有。仅用于SLANT读；迭代的兄弟下降走SIBLING相位。
func (bop *oper) siblingFirstKeyGet(slot *basic.Rec) error {
	for i := bop.used - 1; i >= 0; i-- {
		lev := &bop.levels[i]
		nt := lev.node.ntype
		if lev.idx < nt.Count(lev.node.frame) {
			node := lev.node
			idx := lev.idx + 1
			for depth := i; depth != bop.used; depth++ {
				child := node.ntype.Child(node.frame, idx)
				if !bop.addressInSegment(child) {
					return basic.ErrBadAddress
				}
				if err := nodeGet(&bop.nop, bop.td, child, true); err != nil {
					return err
				}
				node = bop.nop.node
				bop.levels[depth+1].sibling = node
				bop.levels[depth+1].sibSeq = nodeSeq(node)
				idx = 0
			}
			slot.Key = node.ntype.Key(node.frame, 0)
			slot.Val = node.ntype.Val(node.frame, 0)
			slot.Flags = basic.StatusSuccess
			return nil
		}
	}
	slot.Flags = basic.StatusKeyBtreeBoundary
	return nil
}
