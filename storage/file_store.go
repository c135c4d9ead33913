package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filtersync/model"
)

// FileStore 每个过滤器一个文本文件，元数据每个键一个 JSON 文件
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore 创建目录并返回文件存储
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) rulePath(id model.FilterID) string {
	return filepath.Join(s.dir, fmt.Sprintf("filter_%d.txt", id))
}

func (s *FileStore) metaPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Read 读取规则文件
func (s *FileStore) Read(_ context.Context, id model.FilterID) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.rulePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("read filter %d: %w", id, err)
	}
	return lines, true, nil
}

// Write 原子替换规则文件
func (s *FileStore) Write(_ context.Context, id model.FilterID, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.rulePath(id), buf.Bytes())
}

// Remove 删除规则文件，文件不存在不算错误
func (s *FileStore) Remove(_ context.Context, id model.FilterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.rulePath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Get 读取元数据
func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set 写入元数据
func (s *FileStore) Set(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.metaPath(key), blob)
}

// Close 无需释放资源
func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
