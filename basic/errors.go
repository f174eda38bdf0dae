package basic

import "errors"

// 操作相关错误
var (
	ErrNoMemory       = errors.New("out of memory")
	ErrTooManyRetries = errors.New("too many references: retry limit reached under lockall")
	ErrCallbackFailed = errors.New("operation callback failed")
	ErrBadRecordSize  = errors.New("key or value size does not match tree format")
	ErrBadIterFlags   = errors.New("iterator requires exactly one of NEXT or PREV")
	ErrBadGetFlags    = errors.New("EQUAL and SLANT are mutually exclusive")
)

// 节点相关错误
var (
	ErrBadAddress       = errors.New("node address outside segment")
	ErrBadFormat        = errors.New("node header or footer validation failed")
	ErrDelayedFreeInUse = errors.New("access denied: node is marked for delayed free")
	ErrNodeCorrupted    = errors.New("node corrupted")
)

// 树相关错误
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyExists         = errors.New("duplicate key")
	ErrTreeNotEmpty      = errors.New("tree root is not empty")
	ErrTreePoolExhausted = errors.New("tree descriptor pool exhausted")
	ErrCloseTimeout      = errors.New("close timed out waiting for active nodes")
)

// 段相关错误
var (
	ErrInvalidShift   = errors.New("invalid node size shift")
	ErrUnalignedAddr  = errors.New("address is not aligned to 512 bytes")
	ErrSegmentFull    = errors.New("no free frames in segment")
	ErrFrameNotFound  = errors.New("frame not found")
	ErrInvalidAddress = errors.New("invalid segment address")
)
