// Package signer 定义出站网关载荷的签名协作方契约。
// 仅网关逃逸路径使用：对邮件 ID 的摘要签名，由网关侧验证。
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer 签名协作方。
type Signer interface {
	// Sign 对给定摘要签名，协作方不可用时返回错误。
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// Public 返回可分发给网关的验签公钥。
	Public() []byte
}

// LocalSigner 单进程部署使用的进程内 ed25519 签名实现。
type LocalSigner struct {
	priv ed25519.PrivateKey
}

// NewLocalSigner 从 32 字节种子恢复签名密钥；种子为空时随机生成。
func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	if len(seed) == 0 {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return &LocalSigner{priv: priv}, nil
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &LocalSigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *LocalSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

func (s *LocalSigner) Public() []byte {
	return s.priv.Public().(ed25519.PublicKey)
}
