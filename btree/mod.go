// Package btree implements the persistent segment B+-tree engine:
// the node descriptor cache, the tree descriptor registry and the
// restartable operation state machine over both.
package btree

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

const (
	// MaxTrees 树描述符池容量
	MaxTrees = 20

	// MaxTrials 乐观校验失败后升级整树锁前的重试次数
	MaxTrials = 3
)

// ndKey 描述符表的键。同一进程可以打开多个段，
// 描述符按(段,地址)定位。
type ndKey struct {
	seg  segment.Provider
	addr segment.Addr
}

// module 进程级单例：树描述符池与全局LRU
type module struct {
	// regLock 保护树池位图与装载计数
	regLock sync.RWMutex
	trees   [MaxTrees]*td
	inUse   *util.Bitmap
	loaded  int

	// lruLock 保护LRU链表与描述符表
	lruLock sync.RWMutex
	lru     *list.List
	ndTab   map[ndKey]*nd

	hits   uint64
	misses uint64
}

var mod *module

// ModInit 初始化引擎全局状态，必须在任何树操作之前调用
func ModInit() {
	if mod != nil {
		return
	}
	m := &module{
		inUse: util.NewBitmap(MaxTrees),
		lru:   list.New(),
		ndTab: make(map[ndKey]*nd),
	}
	for i := range m.trees {
		m.trees[i] = &td{}
	}
	mod = m
}

// ModFini 释放引擎全局状态
func ModFini() {
	if mod == nil {
		return
	}
	mod.regLock.Lock()
	if mod.loaded != 0 {
		logger.Warnf("btree: fini with %d trees still loaded", mod.loaded)
	}
	mod.regLock.Unlock()
	mod = nil
}

// Stats 描述符缓存命中统计
type Stats struct {
	Hits      uint64
	Misses    uint64
	LRULen    int
	TreesOpen int
}

// HitRate returns rate for cache hitting
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// ModStats 读取当前统计
func ModStats() Stats {
	st := Stats{
		Hits:   atomic.LoadUint64(&mod.hits),
		Misses: atomic.LoadUint64(&mod.misses),
	}
	mod.lruLock.RLock()
	st.LRULen = mod.lru.Len()
	mod.lruLock.RUnlock()
	mod.regLock.RLock()
	st.TreesOpen = mod.loaded
	mod.regLock.RUnlock()
	return st
}

// LRUListPurge 从LRU尾部回收至多count个描述符。
// 事务引用未归零的描述符不回收。返回实际回收数量。
func LRUListPurge(count int) int {
	purged := 0
	mod.lruLock.Lock()
	defer mod.lruLock.Unlock()

	e := mod.lru.Back()
	for e != nil && count > 0 {
		prev := e.Prev()
		node := e.Value.(*nd)
		if atomic.LoadInt64(&node.txRef) == 0 {
			mod.lru.Remove(e)
			delete(mod.ndTab, ndKey{seg: node.seg, addr: node.addr})
			node.elem = nil
			purged++
		}
		count--
		e = prev
	}
	if purged > 0 {
		logger.Debugf("btree: purged %d node descriptors from lru", purged)
	}
	return purged
}
