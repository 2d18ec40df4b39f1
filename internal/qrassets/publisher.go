package qrassets

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultImageSize = 512

// Publisher 把 token 渲染成可扫描的 PNG 并落到 Store。
// 二维码内容是公开解析页的 URL，渲染结果对同一 token 是确定的，
// 并发重发只是幂等覆盖。
type Publisher struct {
	store   Store
	baseURL string
	size    int
}

func NewPublisher(store Store, publicBaseURL string) *Publisher {
	return &Publisher{
		store:   store,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		size:    defaultImageSize,
	}
}

// ResolveURL token 对应的公开解析地址（即二维码内容）。
func (p *Publisher) ResolveURL(token string) string {
	return fmt.Sprintf("%s/public/resolve/%s", p.baseURL, token)
}

// Publish 渲染并存储。失败由调用方决定如何降级（激活流程里是非致命）。
func (p *Publisher) Publish(token string) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("publisher not initialized")
	}
	if !isSafeToken(token) {
		return fmt.Errorf("malformed token")
	}

	png, err := qrcode.Encode(p.ResolveURL(token), qrcode.Medium, p.size)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	if err := p.store.Put(token, png); err != nil {
		return fmt.Errorf("store qr: %w", err)
	}
	return nil
}

// Fetch 读取已发布的图片，未发布返回 ErrNotFound。
func (p *Publisher) Fetch(token string) ([]byte, error) {
	if p == nil || p.store == nil {
		return nil, fmt.Errorf("publisher not initialized")
	}
	return p.store.Get(token)
}
