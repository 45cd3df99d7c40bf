package ipfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"c2dagent/internal/logging"
)

// MirrorClient 从本地目录读取与 CID 对应的资产，用于离线或开发环境。
type MirrorClient struct {
	Dir string
	log logging.Logger
}

// NewMirrorClient 创建基于本地文件的 IPFS 镜像客户端。
func NewMirrorClient(dir string, log logging.Logger) *MirrorClient {
	return &MirrorClient{
		Dir: dir,
		log: logging.Default(log),
	}
}

// FetchModule 从镜像目录读取算法模块。
func (p *MirrorClient) FetchModule(_ context.Context, ref string) ([]byte, error) {
	return p.fetch(KindModule, ref)
}

// FetchInput 从镜像目录读取数据集输入。
func (p *MirrorClient) FetchInput(_ context.Context, ref string) ([]byte, error) {
	return p.fetch(KindInput, ref)
}

// fetch 从磁盘加载资产字节替代真实 IPFS 拉取，校验规则与网关一致。
func (p *MirrorClient) fetch(kind AssetKind, ref string) ([]byte, error) {
	if p.Dir == "" {
		return nil, fmt.Errorf("mirror directory not configured")
	}
	cid := normalizeRef(ref)
	if cid == "" {
		return nil, fmt.Errorf("empty cid")
	}
	if strings.Contains(cid, "..") {
		return nil, fmt.Errorf("invalid cid %q", cid)
	}
	path := filepath.Join(p.Dir, filepath.FromSlash(cid))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", path, err)
	}
	if err := policies[kind].validate(kind, data); err != nil {
		return nil, fmt.Errorf("%s: %w", cid, err)
	}
	p.log.Infof("loaded %s asset %s (%d bytes) from mirror", kind, cid, len(data))
	return data, nil
}
