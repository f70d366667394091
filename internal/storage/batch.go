package storage

import "time"

// BatchOpKind 批处理子操作类型
type BatchOpKind int

const (
	OpGet BatchOpKind = iota
	OpSet
	OpDelete
	OpExpire
	OpIncrBy
	OpIncrByFloat
	OpHIncrBy
	OpHIncrByFloat
	OpHGetAll
)

// BatchOp 显式的批处理操作记录。
// 取代链式 pipeline 构造器：提交方给出有序的操作列表，后端按序执行。
type BatchOp struct {
	Kind     BatchOpKind
	Key      string
	Field    string        // OpHIncrBy / OpHIncrByFloat
	Value    string        // OpSet
	IntArg   int64         // OpIncrBy / OpHIncrBy
	FloatArg float64       // OpIncrByFloat / OpHIncrByFloat
	TTL      time.Duration // OpSet / OpExpire
}

// BatchResult 单个子操作的结果，Err 与值按操作类型取用
type BatchResult struct {
	Err   error
	Str   string
	Int   int64
	Float float64
	Hash  map[string]string
}

// 构造辅助函数

func GetOp(key string) BatchOp {
	return BatchOp{Kind: OpGet, Key: key}
}

func SetOp(key, value string, ttl time.Duration) BatchOp {
	return BatchOp{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

func DeleteOp(key string) BatchOp {
	return BatchOp{Kind: OpDelete, Key: key}
}

func ExpireOp(key string, ttl time.Duration) BatchOp {
	return BatchOp{Kind: OpExpire, Key: key, TTL: ttl}
}

func IncrByOp(key string, delta int64) BatchOp {
	return BatchOp{Kind: OpIncrBy, Key: key, IntArg: delta}
}

func IncrByFloatOp(key string, delta float64) BatchOp {
	return BatchOp{Kind: OpIncrByFloat, Key: key, FloatArg: delta}
}

func HIncrByOp(key, field string, delta int64) BatchOp {
	return BatchOp{Kind: OpHIncrBy, Key: key, Field: field, IntArg: delta}
}

func HIncrByFloatOp(key, field string, delta float64) BatchOp {
	return BatchOp{Kind: OpHIncrByFloat, Key: key, Field: field, FloatArg: delta}
}

func HGetAllOp(key string) BatchOp {
	return BatchOp{Kind: OpHGetAll, Key: key}
}
