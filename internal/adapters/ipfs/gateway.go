package ipfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"c2dagent/internal/logging"
)

const defaultGatewayTimeout = 30 * time.Second

// GatewayClient 通过 HTTP Gateway 拉取算法模块与数据集，兼容本地与远程 IPFS 服务。
type GatewayClient struct {
	baseURL string
	client  *http.Client
	log     logging.Logger
}

// NewGatewayClient 构造面向 HTTP Gateway 的 IPFS 客户端。
func NewGatewayClient(baseURL string, log logging.Logger) (*GatewayClient, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("ipfs gateway base url is empty")
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(trimmed, "/"),
		client: &http.Client{
			Timeout: defaultGatewayTimeout,
		},
		log: logging.Default(log),
	}, nil
}

// FetchModule 下载算法模块，要求 wasm 头部。
func (g *GatewayClient) FetchModule(ctx context.Context, ref string) ([]byte, error) {
	return g.fetch(ctx, KindModule, ref)
}

// FetchInput 下载数据集输入，要求为空或合法 JSON。
func (g *GatewayClient) FetchInput(ctx context.Context, ref string) ([]byte, error) {
	return g.fetch(ctx, KindInput, ref)
}

// fetch 通过网关下载引用（CID 或 ipfs:// URI），按资产类型校验响应。
func (g *GatewayClient) fetch(ctx context.Context, kind AssetKind, ref string) ([]byte, error) {
	cid := normalizeRef(ref)
	if cid == "" {
		return nil, fmt.Errorf("cid is empty")
	}
	p := policies[kind]
	target := fmt.Sprintf("%s/%s", g.baseURL, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gateway %s status %s: %s", target, resp.Status, strings.TrimSpace(string(payload)))
	}
	if ct := resp.Header.Get("Content-Type"); !p.acceptsType(ct) {
		return nil, fmt.Errorf("gateway %s returned %s for %s asset", target, ct, kind)
	}
	if resp.ContentLength > p.maxBytes {
		return nil, fmt.Errorf("%s asset larger than %d bytes", kind, p.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if err := p.validate(kind, data); err != nil {
		return nil, fmt.Errorf("%s: %w", cid, err)
	}

	g.log.Infof("downloaded %s asset %s (%d bytes) via ipfs gateway", kind, cid, len(data))
	return data, nil
}

// normalizeRef 去掉 ipfs:// 与 /ipfs/ 前缀。
func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "ipfs://")
	ref = strings.TrimLeft(ref, "/")
	ref = strings.TrimPrefix(ref, "ipfs/")
	return ref
}
