package core

import "context"

// CounterStore 抽象外部原子计数器（轮换游标的真身）
// 语义: "insert if absent, else atomically increment-wrap"，按 Provider 唯一键控
// 返回 post-increment 值（从 1 开始），调用方换算零基索引: (v-1) % modulus
// 实现必须保证同一 key 的并发调用线性化，绝不能用 read-then-write 模拟
type CounterStore interface {
	AdvanceAndWrap(ctx context.Context, key string, modulus int) (int64, error)
}

// SecretProvider 抽象凭证池的加解密
// 池条目落盘/入环境变量时可为密文，加载时自动解密
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}
