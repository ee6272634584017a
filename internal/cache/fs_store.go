package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	metaSuffix = ".json"
	bodySuffix = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个具名缓存占用一个子目录：
//
//	<basePath>/<store>/<sha1(method url)>.json   # 状态码、头部、写入时间
//	<basePath>/<store>/<sha1(method url)>.body   # 响应正文
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有具名缓存共享锁表。
type fileStorage struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", ErrInvalidName
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	key := KeyFor(req)
	if !opts.IgnoreSearch {
		entry, err := f.readEntry(entryID(key))
		if err != nil {
			return nil, err
		}
		if !entry.Key.Matches(key, opts) {
			return nil, ErrNotFound
		}
		return entry.Response(req), nil
	}

	metas, err := f.readMetas()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if !meta.Key.Matches(key, opts) {
			continue
		}
		entry, err := f.readEntry(entryID(meta.Key))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		return entry.Response(req), nil
	}
	return nil, ErrNotFound
}

func (f *fileStore) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	entry, err := newEntry(req, resp, f.storage.now())
	if err != nil {
		return err
	}

	id := entryID(entry.Key)
	unlock := f.storage.lockEntry(f.name + "::" + id)
	defer unlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	if err := writeAtomic(f.dir, id+bodySuffix, entry.Body); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := writeAtomic(f.dir, id+metaSuffix, meta); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	return nil
}

func (f *fileStore) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	key := KeyFor(req)
	metas, err := f.readMetas()
	if err != nil {
		return false, err
	}
	removed := false
	for _, meta := range metas {
		if !meta.Key.Matches(key, opts) {
			continue
		}
		id := entryID(meta.Key)
		unlock := f.storage.lockEntry(f.name + "::" + id)
		metaErr := os.Remove(filepath.Join(f.dir, id+metaSuffix))
		bodyErr := os.Remove(filepath.Join(f.dir, id+bodySuffix))
		unlock()
		if metaErr != nil && !errors.Is(metaErr, fs.ErrNotExist) {
			return removed, metaErr
		}
		if bodyErr != nil && !errors.Is(bodyErr, fs.ErrNotExist) {
			return removed, bodyErr
		}
		removed = true
	}
	return removed, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	metas, err := f.readMetas()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

// readMetas 按写入时间返回全部条目元数据，不读取正文。
func (f *fileStore) readMetas() ([]Entry, error) {
	items, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, item.Name()))
		if err != nil {
			continue
		}
		var meta Entry
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].StoredAt.Equal(metas[j].StoredAt) {
			return metas[i].Key.URL < metas[j].Key.URL
		}
		return metas[i].StoredAt.Before(metas[j].StoredAt)
	})
	return metas, nil
}

func (f *fileStore) readEntry(id string) (*Entry, error) {
	unlock := f.storage.lockEntry(f.name + "::" + id)
	defer unlock()

	data, err := os.ReadFile(filepath.Join(f.dir, id+metaSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	body, err := os.ReadFile(filepath.Join(f.dir, id+bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	return &entry, nil
}

func entryID(key Key) string {
	sum := sha1.Sum([]byte(key.Method + " " + key.URL))
	return hex.EncodeToString(sum[:])
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(dir, name string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, name)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
