// Package ident 负责铸造邮件、通讯与关联线程使用的不透明标识符。
// 随机性来自外部协作方，核心只做十六进制编码。
package ident

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"fedmail/node/internal/domain"
)

// IDByteLength 原始标识符的字节长度，编码后为 64 位十六进制字符。
const IDByteLength = 32

// Source 外部随机性协作方。
type Source interface {
	// Mint 返回一段高熵随机字节，不可用时返回错误。
	Mint(ctx context.Context) ([]byte, error)
}

// Minter 把随机字节铸造成稳定格式的标识符。
type Minter struct {
	src Source
}

func NewMinter(src Source) *Minter {
	return &Minter{src: src}
}

// MintID 铸造一个新标识符。随机源失败时统一映射为 ErrIDGeneration。
func (m *Minter) MintID(ctx context.Context) (string, error) {
	raw, err := m.src.Mint(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIDGeneration, err)
	}
	if len(raw) < IDByteLength {
		return "", fmt.Errorf("%w: source returned %d bytes", domain.ErrIDGeneration, len(raw))
	}
	return hex.EncodeToString(raw[:IDByteLength]), nil
}

// CryptoSource 进程内随机源，基于 crypto/rand。
type CryptoSource struct{}

func (CryptoSource) Mint(_ context.Context) ([]byte, error) {
	buf := make([]byte, IDByteLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
