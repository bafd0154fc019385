// Package credential 为下游 Voice Live 服务提供访问令牌
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	// tokenRefreshBuffer 令牌过期前多久开始刷新
	tokenRefreshBuffer = 5 * time.Minute
	// tokenRefreshTimeout 单次刷新的超时
	tokenRefreshTimeout = 30 * time.Second
)

// ErrEmptyToken 令牌为空
var ErrEmptyToken = errors.New("访问令牌为空")

// Provider 访问令牌提供者
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// AzureProvider 基于 Azure AD 凭据链获取令牌，并缓存到临近过期
//
// 同一时刻只有一次刷新在进行，并发调用方共享结果，各自按自己的 ctx 放弃等待。
type AzureProvider struct {
	cred   azcore.TokenCredential
	scopes []string

	mu       sync.Mutex
	cached   *azcore.AccessToken
	inflight *refresh
	now      func() time.Time
}

// refresh 一次进行中的令牌刷新
type refresh struct {
	done  chan struct{}
	token string
	err   error
}

// NewAzureProvider 使用默认凭据链（环境变量、托管标识、Azure CLI 等）创建提供者
func NewAzureProvider(scope string) (*AzureProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("创建Azure凭据失败: %w", err)
	}
	return NewAzureProviderWithCredential(cred, scope), nil
}

// NewAzureProviderWithCredential 使用指定凭据创建提供者
func NewAzureProviderWithCredential(cred azcore.TokenCredential, scope string) *AzureProvider {
	return &AzureProvider{
		cred:   cred,
		scopes: []string{scope},
		now:    time.Now,
	}
}

// Token 返回有效的访问令牌，必要时刷新
func (p *AzureProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.valid() {
		token := p.cached.Token
		p.mu.Unlock()
		return token, nil
	}
	r := p.inflight
	if r == nil {
		r = &refresh{done: make(chan struct{})}
		p.inflight = r
		// 刷新不随发起者的 ctx 取消，其他调用方还在等结果
		go p.refresh(context.WithoutCancel(ctx), r)
	}
	p.mu.Unlock()

	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *AzureProvider) refresh(ctx context.Context, r *refresh) {
	ctx, cancel := context.WithTimeout(ctx, tokenRefreshTimeout)
	defer cancel()

	token, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: p.scopes})
	switch {
	case err != nil:
		r.err = fmt.Errorf("获取Azure令牌失败: %w", err)
	case token.Token == "":
		r.err = ErrEmptyToken
	default:
		r.token = token.Token
	}

	p.mu.Lock()
	if r.err == nil {
		p.cached = &token
	}
	p.inflight = nil
	p.mu.Unlock()
	close(r.done)
}

func (p *AzureProvider) valid() bool {
	return p.cached != nil && p.cached.ExpiresOn.After(p.now().Add(tokenRefreshBuffer))
}

// StaticProvider 固定令牌，用于本地调试或由外部注入令牌的部署
type StaticProvider string

// Token 返回固定令牌
func (p StaticProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", ErrEmptyToken
	}
	return string(p), nil
}
