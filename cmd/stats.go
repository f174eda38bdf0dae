package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/xbtree-engine/btree"
)

var purgeCount int

// statsCmd 输出描述符缓存统计，可顺带触发一次LRU回收
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print node descriptor cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		loadConfig()
		btree.ModInit()
		defer btree.ModFini()

		if purgeCount > 0 {
			purged := btree.LRUListPurge(purgeCount)
			fmt.Printf("purged %d node descriptors\n", purged)
		}

		st := btree.ModStats()
		fmt.Printf("trees_open=%d lru_len=%d hits=%d misses=%d hit_rate=%.2f\n",
			st.TreesOpen, st.LRULen, st.Hits, st.Misses, st.HitRate())
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&purgeCount, "purge", 0, "purge up to N descriptors from the lru list first")
}
