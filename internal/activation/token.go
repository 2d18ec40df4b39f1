package activation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenBytes = 16 // 128 bit，远超 80 bit 的碰撞安全线

// TokenFunc 生成一个不透明 token。纯生成、无副作用；
// 唯一性由台账的唯一索引兜底，撞号走 ErrTokenCollision 重试。
type TokenFunc func() (string, error)

// NewHexToken 生成 32 位十六进制 token（crypto/rand）。
func NewHexToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsWellFormedToken 粗校验 token 形态（hex 小写），公共路径用来提前挡掉脏输入。
func IsWellFormedToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
