package util

import (
	"github.com/OneOfOne/xxhash"
)

// Checksum64 计算节点头部校验和
func Checksum64(parts ...[]byte) uint64 {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}
