package cmd

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/xbtree-engine/basic"
	"github.com/zhukovaskychina/xbtree-engine/btree"
	"github.com/zhukovaskychina/xbtree-engine/logger"
	"github.com/zhukovaskychina/xbtree-engine/page"
	"github.com/zhukovaskychina/xbtree-engine/segment"
	"github.com/zhukovaskychina/xbtree-engine/transaction"
	"github.com/zhukovaskychina/xbtree-engine/util"
)

var demoKeys int

// demoCmd 在内存段上建树、乱序写入、正向扫描、降序删空，
// 把引擎的完整生命周期走一遍
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a create/put/scan/delete round-trip on an in-memory segment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		btree.ModInit()
		defer btree.ModFini()

		seg := segment.NewMemSegment(cfg.SegmentSize)
		tt := btree.TreeType{ID: 1, Name: "demo_tree", Ksize: 8, Vsize: 8}
		btree.RegisterTreeType(tt)

		tx := transaction.NewRecorder()
		tree, err := btree.Create(seg, cfg.NodeSize, tt, page.FixedFormat, tx)
		if err != nil {
			return err
		}
		logger.Infof("created tree, root=%v, node_size=%d", tree.RootAddr(), cfg.NodeSize)

		start := time.Now()
		for _, i := range rand.Perm(demoKeys) {
			rec := basic.Rec{
				Key: util.ConvertUInt8Bytes(uint64(i + 1)),
				Val: util.ConvertUInt8Bytes(uint64(i+1) * 3),
			}
			if err := tree.Put(&rec, nil, 0, tx); err != nil {
				return err
			}
		}
		logger.Infof("inserted %d keys in %v, height=%d", demoKeys, time.Since(start), tree.Height())

		// 正向扫描
		count := 0
		cur := util.ConvertUInt8Bytes(0)
		for {
			var st basic.StatusCode
			var next []byte
			err := tree.Iter(cur, func(rec *basic.Rec) error {
				st = rec.Flags
				next = append([]byte(nil), rec.Key...)
				return nil
			}, basic.BofNext)
			if err != nil {
				return err
			}
			if st == basic.StatusKeyBtreeBoundary {
				break
			}
			count++
			cur = next
		}
		logger.Infof("scanned %d keys", count)

		for i := demoKeys; i >= 1; i-- {
			if err := tree.Del(util.ConvertUInt8Bytes(uint64(i)), nil, 0, tx); err != nil {
				return err
			}
		}
		tx.Commit()
		logger.Infof("deleted all keys, height=%d, captures=%d", tree.Height(), len(tx.Entries()))

		if err := tree.Destroy(nil); err != nil {
			return err
		}
		btree.LRUListPurge(cfg.LRUPurgeBatch)

		st := btree.ModStats()
		fmt.Printf("demo done: keys=%d cache_hit_rate=%.2f lru=%d\n",
			demoKeys, st.HitRate(), st.LRULen)
		return nil
	},
}

func init() {
	demoCmd.Flags().IntVar(&demoKeys, "keys", 10000, "number of keys to insert")
}
