package ipfs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"slices"
)

// AssetKind 区分算法模块与数据集输入。
type AssetKind string

const (
	KindModule AssetKind = "algorithm"
	KindInput  AssetKind = "dataset"
)

// policy 约束一类资产的大小上限、可接受的 Content-Type 与内容格式。
type policy struct {
	maxBytes     int64
	contentTypes []string
	check        func([]byte) error
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

var policies = map[AssetKind]policy{
	KindModule: {
		maxBytes:     64 << 20,
		contentTypes: []string{"application/wasm", "application/octet-stream", "binary/octet-stream"},
		check:        checkModule,
	},
	KindInput: {
		maxBytes:     8 << 20,
		contentTypes: []string{"application/json", "text/plain", "application/octet-stream"},
		check:        checkInput,
	},
}

// acceptsType 判断网关返回的 Content-Type；未声明时放行，交给内容校验。
func (p policy) acceptsType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return slices.Contains(p.contentTypes, mt)
}

// validate 依次检查大小与内容。
func (p policy) validate(kind AssetKind, data []byte) error {
	if int64(len(data)) > p.maxBytes {
		return fmt.Errorf("%s asset larger than %d bytes", kind, p.maxBytes)
	}
	return p.check(data)
}

func checkModule(data []byte) error {
	if !bytes.HasPrefix(data, wasmMagic) {
		return errors.New("algorithm asset is not a wasm module")
	}
	return nil
}

// checkInput 允许空输入，非空时必须是 JSON。
func checkInput(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return errors.New("dataset asset is not valid JSON")
	}
	return nil
}
