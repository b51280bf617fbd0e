package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	fileExt   = ".kv"
	hashedExt = ".kvh"

	// longKey is the key length above which filenames switch to a hash.
	// Past it the base64 name plus the temp-file suffix would overflow
	// the usual 255-byte filename limit.
	longKey = 150
)

// FileStore implements Store using one file per key in a directory.
// Writes go to a temporary file first, then rename (atomic on POSIX).
type FileStore struct {
	dir string
}

// hashedEntry wraps the value of a long key together with the key itself,
// since the hashed filename cannot be decoded back.
type hashedEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, hashed := fs.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if hashed {
		var e hashedEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode hashed entry: %w", err)
		}
		return e.Value, nil
	}
	return data, nil
}

func (fs *FileStore) Set(_ context.Context, key string, value []byte) error {
	path, hashed := fs.path(key)
	if hashed {
		var err error
		value, err = json.Marshal(hashedEntry{Key: key, Value: value})
		if err != nil {
			return err
		}
	}
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (fs *FileStore) Remove(_ context.Context, key string) error {
	path, _ := fs.path(key)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (fs *FileStore) RemoveAll(ctx context.Context, keys []string) error {
	var first error
	for _, k := range keys {
		if err := fs.Remove(ctx, k); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (fs *FileStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, fileExt):
			raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
			if err != nil {
				// Not one of ours (stray tmp file, manual edit); skip it.
				continue
			}
			keys = append(keys, string(raw))
		case strings.HasSuffix(name, hashedExt):
			data, err := os.ReadFile(filepath.Join(fs.dir, name))
			if err != nil {
				continue
			}
			var he hashedEntry
			if err := json.Unmarshal(data, &he); err != nil {
				continue
			}
			keys = append(keys, he.Key)
		}
	}
	return keys, nil
}

// path maps a key to a filename. Short keys are encoded rather than
// sanitized so Keys can recover them exactly; long keys are hashed and
// their files carry the original key in a hashedEntry envelope.
func (fs *FileStore) path(key string) (string, bool) {
	if len(key) > longKey {
		sum := sha256.Sum256([]byte(key))
		return filepath.Join(fs.dir, hex.EncodeToString(sum[:])+hashedExt), true
	}
	return filepath.Join(fs.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExt), false
}
