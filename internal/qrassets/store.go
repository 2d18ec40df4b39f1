package qrassets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound 图片不存在。对调用方是正常结果：token 仍可解析，
// 前端可本地渲染二维码兜底，图片随后可按 token 重发。
var ErrNotFound = errors.New("qr asset not found")

// Store 图片存储抽象（按 token 作 key）。
type Store interface {
	Put(token string, png []byte) error
	Get(token string) ([]byte, error)
}

// DiskStore 本地目录实现，<dir>/<token>.png。
// 写入走临时文件 + rename，避免读到半截文件；重复发布是幂等覆盖。
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("asset dir is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) Put(token string, png []byte) error {
	path, err := s.path(token)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, png, 0644); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename asset: %w", err)
	}
	return nil
}

func (s *DiskStore) Get(token string) ([]byte, error) {
	path, err := s.path(token)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read asset: %w", err)
	}
	return data, nil
}

// path 校验 token 形态后拼路径，防止路径穿越。
func (s *DiskStore) path(token string) (string, error) {
	if !isSafeToken(token) {
		return "", ErrNotFound
	}
	return filepath.Join(s.dir, token+".png"), nil
}

func isSafeToken(token string) bool {
	if token == "" || len(token) > 64 {
		return false
	}
	for _, c := range token {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return false
		}
	}
	return true
}
