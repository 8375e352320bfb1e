// Package guard 提供受保护操作前置的无副作用授权谓词。
// 谓词全部在账本变更之前求值，任何一项失败都会在无任何状态变化的情况下中止操作。
package guard

import (
	"context"

	"fedmail/node/internal/domain"
)

// 预付调用额度，单位与外部计量体系一致。
const (
	SubmitCallPayment       uint64 = 1_000_000_000
	LookupDomainCallPayment uint64 = 1_000_000_000
)

// IsCustodian 判断身份是否属于节点托管人集合。
func IsCustodian(cfg *domain.NodeConfiguration, p domain.Principal) bool {
	return cfg.IsCustodian(p)
}

// RequireCustodian 托管人守卫。
func RequireCustodian(cfg *domain.NodeConfiguration, p domain.Principal) error {
	if !IsCustodian(cfg, p) {
		return domain.ErrNotAuthorized
	}
	return nil
}

// RequireNotAnonymous 匿名身份守卫。
func RequireNotAnonymous(p domain.Principal) error {
	if p.IsAnonymous() {
		return domain.ErrAnonymousCaller
	}
	return nil
}

// AddressLookup 身份到地址的只读查询，由账本实现。
type AddressLookup interface {
	AddressOf(p domain.Principal) (string, bool)
}

// RequireRegistered 注册用户守卫：非匿名且已绑定地址。
func RequireRegistered(reg AddressLookup, p domain.Principal) error {
	if err := RequireNotAnonymous(p); err != nil {
		return err
	}
	if _, ok := reg.AddressOf(p); !ok {
		return domain.ErrNotAuthorized
	}
	return nil
}

// Meter 已消费额度的记账方，由 metering 包实现。
type Meter interface {
	Consume(ctx context.Context, caller domain.Principal, amount uint64) error
}

// RequirePayment 预付守卫：随调用附带的额度必须不低于门槛，
// 通过后精确消费门槛数额，超额部分不退还。
func RequirePayment(ctx context.Context, m Meter, caller domain.Principal, attached, threshold uint64) error {
	if attached < threshold {
		return domain.ErrInsufficientCredits
	}
	return m.Consume(ctx, caller, threshold)
}
