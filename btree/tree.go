package btree

import (
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/page"
	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
)

// CloseTimeout close等待活动节点归还的宽限期
var CloseTimeout = 5 * time.Second

var (
	ttypeMu  sync.RWMutex
	ttypeTab = make(map[uint32]TreeType)
)

// RegisterTreeType 注册树类型，open时按根节点里的tree type id回查
func RegisterTreeType(tt TreeType) {
	ttypeMu.Lock()
	defer ttypeMu.Unlock()
	ttypeTab[tt.ID] = tt
}

// TreeTypeByID 按id取树类型
func TreeTypeByID(id uint32) (TreeType, bool) {
	ttypeMu.RLock()
	defer ttypeMu.RUnlock()
	tt, ok := ttypeTab[id]
	return tt, ok
}

// Btree 一棵已打开的树
type Btree struct {
	td     *td
	ttype  TreeType
	height int
}

// calcShift 返回不大于value的最大2的幂的指数
func calcShift(value int) int {
	sample := uint(value)
	pow := 0
	for sample > 0 {
		sample >>= 1
		pow++
	}
	return pow - 1
}

// Create 新建一棵树：领取树描述符，分配并初始化根帧（空叶）。
// 根帧的段地址经RootAddr()取回，供后续Open使用。
func Create(seg segment.Provider, nodeSize int, tt TreeType,
	nt page.NodeType, tx transaction.Tx) (*Btree, error) {

	shift := calcShift(nodeSize)
	if !segment.ShiftIsValid(shift) {
		return nil, errors.Trace(basic.ErrInvalidShift)
	}
	if tt.Ksize <= 0 || tt.Vsize <= 0 {
		return nil, errors.Trace(basic.ErrBadRecordSize)
	}
	// 根至少能容纳两条内部记录，才能支撑根分裂
	if page.HeaderSize+2*(tt.Ksize+tt.Vsize)+2*(tt.Ksize+page.InternalValSize) > 1<<uint(shift) {
		return nil, errors.Trace(basic.ErrBadRecordSize)
	}

	var op nodeOp
	tree, err := treeGet(&op, seg, segment.NullAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	tree.lock.Lock()
	tree.ttype = tt
	tree.lock.Unlock()

	if err := nodeAlloc(&op, tree, shift, nt, tt.Ksize, tt.Vsize, false, tx); err != nil {
		treePut(tree)
		return nil, errors.Annotate(err, "allocating root node")
	}

	tree.lock.Lock()
	tree.root = op.node
	tree.height = 1
	tree.lock.Unlock()

	logger.Debugf("btree: created tree type=%d root=%v node_size=%d", tt.ID, op.node.addr, nodeSize)
	return &Btree{td: tree, ttype: tt, height: 1}, nil
}

// Open 打开rootAddr处已存在的树
func Open(seg segment.Provider, rootAddr segment.Addr, nodeSize int) (*Btree, error) {
	if !rootAddr.IsValid() || rootAddr == segment.NullAddr {
		return nil, errors.Trace(basic.ErrInvalidAddress)
	}
	if rootAddr.Shift() != calcShift(nodeSize) {
		return nil, errors.Trace(basic.ErrInvalidShift)
	}

	var op nodeOp
	tree, err := treeGet(&op, seg, rootAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "opening tree at %v", rootAddr)
	}

	root := tree.root
	nt := root.ntype
	ttype, ok := TreeTypeByID(nt.TtypeGet(root.frame))
	if !ok {
		// 未注册的树类型，按根帧现状拼出元数据
		ttype = TreeType{
			ID:    nt.TtypeGet(root.frame),
			Ksize: nt.Keysize(root.frame),
			Vsize: nt.Valsize(root.frame),
		}
	}
	tree.lock.Lock()
	if tree.ttype.ID == 0 {
		tree.ttype = ttype
	} else {
		ttype = tree.ttype
	}
	height := tree.height
	tree.lock.Unlock()

	return &Btree{td: tree, ttype: ttype, height: height}, nil
}

// Close 关闭树。本树仍有其他引用时仅减引用计数；
// 最后一个引用经TIMECHECK相位等所有活动节点归还，
// 超过宽限期报超时，树保持打开。
func (b *Btree) Close() error {
	bop := newOper(OpClose, b, 0, nil)
	return bop.exec(closeTick)
}

// closeTick CLOSE操作状态机：INIT判引用计数，TIMECHECK等活动链
// 清到只剩根，ACT归还根引用并交还池槽位。
func closeTick(bop *oper) phase {
	tree := bop.td

	switch bop.ph {
	case pInit:
		tree.lock.Lock()
		if tree.ref > 1 {
			tree.lock.Unlock()
			treePut(tree)
			return pDone
		}
		tree.startTime = time.Now()
		tree.lock.Unlock()
		return pTimeCheck

	case pTimeCheck:
		tree.lock.RLock()
		active := tree.activeNds.Len()
		tree.lock.RUnlock()
		if active > 1 {
			if time.Since(tree.startTime) > CloseTimeout {
				tree.lock.Lock()
				tree.startTime = time.Time{}
				tree.lock.Unlock()
				logger.WithOp("btree", bop.opc, bop.traceID).
					Warnf("close timed out with %d active nodes", active)
				bop.rc = errors.Trace(basic.ErrCloseTimeout)
				return pDone
			}
			// 其他操作还握着节点，让出调度后再查一轮
			time.Sleep(time.Millisecond)
			return pTimeCheck
		}
		return pAct

	case pAct:
		tree.lock.RLock()
		root := tree.root
		tree.lock.RUnlock()
		if root != nil {
			nodePut(&bop.nop, root, false, nil)
		}
		tree.lock.Lock()
		tree.root = nil
		tree.startTime = time.Time{}
		tree.lock.Unlock()

		treePut(tree)
		return pDone
	}
	return pDone
}

// Destroy 销毁树。前置条件：根节点已空。
// 根帧交还段分配器，描述符槽位归还池。
func (b *Btree) Destroy(tx transaction.Tx) error {
	tree := b.td

	tree.lock.Lock()
	root := tree.root
	if root == nil {
		tree.lock.Unlock()
		return errors.Trace(basic.ErrInvalidAddress)
	}
	if !root.ntype.Invariant(root.frame, root.addr) {
		tree.lock.Unlock()
		return errors.Trace(basic.ErrNodeCorrupted)
	}
	if root.ntype.CountRec(root.frame) != 0 {
		tree.lock.Unlock()
		return errors.Trace(basic.ErrTreeNotEmpty)
	}
	tree.root = nil
	tree.lock.Unlock()

	var op nodeOp
	nodeFree(&op, root, false, tx)
	treePut(tree)
	logger.Debugf("btree: destroyed tree root=%v", root.addr)
	return nil
}

// RootAddr 根帧段地址
func (b *Btree) RootAddr() segment.Addr {
	b.td.lock.RLock()
	defer b.td.lock.RUnlock()
	if b.td.root == nil {
		return segment.NullAddr
	}
	return b.td.root.addr
}

// Height 当前树高
func (b *Btree) Height() int {
	b.td.lock.RLock()
	defer b.td.lock.RUnlock()
	return b.td.height
}

// TreeType 树类型元数据
func (b *Btree) TreeType() TreeType {
	return b.ttype
}

// Credit 估算一次操作经事务捕获的脏字节上限，累加进c
func (b *Btree) Credit(opc Opcode, c *transaction.Credit) {
	nodeSize := 1
	b.td.lock.RLock()
	height := b.td.height
	if b.td.root != nil {
		nodeSize = 1 << uint(b.td.root.ntype.Shift(b.td.root.frame))
	}
	b.td.lock.RUnlock()

	switch opc {
	case OpPut:
		// 每层l_node+l_alloc，外加根分裂的extra与新根改写
		c.Add(2*height+2, (2*height+2)*nodeSize)
	case OpDel:
		// 每层删除与收缩，外加根降级的整帧拷贝
		c.Add(height+2, (height+2)*nodeSize)
	case OpCreate, OpDestroy:
		c.Add(1, nodeSize)
	default:
	}
}

// checkKey 校验键尺寸与定长格式一致
func (b *Btree) checkKey(key []byte) error {
	if len(key) != b.ttype.Ksize {
		return errors.Trace(basic.ErrBadRecordSize)
	}
	return nil
}

// Put 插入记录。键已存在时回调收到KEY_EXISTS且树不被修改。
// cb为nil时把rec的key/value原样拷入槽位。
func (b *Btree) Put(rec *basic.Rec, cb basic.Callback, flags basic.OpFlags, tx transaction.Tx) error {
	if err := b.checkKey(rec.Key); err != nil {
		return err
	}
	if len(rec.Val) != b.ttype.Vsize && cb == nil {
		return errors.Trace(basic.ErrBadRecordSize)
	}
	bop := newOper(OpPut, b, flags, tx)
	bop.rec.Key = rec.Key
	bop.rec.Val = rec.Val
	bop.rec.Cookie = rec.Cookie
	bop.cb = cb
	err := bop.exec(putTick)
	rec.Flags = bop.rec.Flags
	return err
}

// Get 查找键。EQUAL（默认）只接受精确命中，
// SLANT语义下未命中返回后继记录。
func (b *Btree) Get(key []byte, cb basic.Callback, flags basic.OpFlags) error {
	if flags&basic.BofEqual != 0 && flags&basic.BofSlant != 0 {
		return errors.Trace(basic.ErrBadGetFlags)
	}
	if err := b.checkKey(key); err != nil {
		return err
	}
	bop := newOper(OpGet, b, flags, nil)
	bop.rec.Key = key
	bop.cb = cb
	return bop.exec(getTick)
}

// Del 删除键。键不存在时回调收到KEY_NOT_FOUND。
func (b *Btree) Del(key []byte, cb basic.Callback, flags basic.OpFlags, tx transaction.Tx) error {
	if err := b.checkKey(key); err != nil {
		return err
	}
	bop := newOper(OpDel, b, flags, tx)
	bop.rec.Key = key
	bop.cb = cb
	return bop.exec(delTick)
}

// Iter 迭代一步：NEXT返回key的后继，PREV返回前驱。
// 越过边界时回调收到KEY_BTREE_BOUNDARY。
func (b *Btree) Iter(key []byte, cb basic.Callback, flags basic.OpFlags) error {
	if flags&(basic.BofNext|basic.BofPrev) == 0 ||
		flags&basic.BofNext != 0 && flags&basic.BofPrev != 0 {
		return errors.Trace(basic.ErrBadIterFlags)
	}
	if err := b.checkKey(key); err != nil {
		return err
	}
	bop := newOper(OpIter, b, flags, nil)
	bop.rec.Key = key
	bop.cb = cb
	return bop.exec(iterTick)
}
