package clients

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StatementStore keeps generated statement files and hands out download URLs.
type StatementStore interface {
	Save(ctx context.Context, fileName string, data []byte) (string, error)
	URL(ctx context.Context, name string) (string, error)
}

type StorageClient struct {
	BaseDir      string // directory the files are written to
	PublicPrefix string // URL prefix the files are served under, e.g. "/files"
	BaseURL      string // optional scheme+host used to build absolute URLs
}

// NewLocalStorage creates a storage client; baseDir will be created if missing.
func NewLocalStorage(baseDir, publicPrefix, baseURL string) (*StorageClient, error) {
	if baseDir == "" {
		baseDir = "./exports"
	}
	if publicPrefix == "" {
		publicPrefix = "/files"
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir %q: %w", baseDir, err)
	}

	return &StorageClient{BaseDir: baseDir, PublicPrefix: publicPrefix, BaseURL: baseURL}, nil
}

// Save writes data under a random prefix and returns the stored name.
func (s *StorageClient) Save(ctx context.Context, fileName string, data []byte) (string, error) {
	fileName = filepath.Base(fileName)

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate file name: %w", err)
	}
	final := fmt.Sprintf("%s_%s", hex.EncodeToString(randBytes), fileName)

	path := filepath.Join(s.BaseDir, final)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}

	return final, nil
}

func (s *StorageClient) URL(_ context.Context, name string) (string, error) {
	return s.GetURL(name), nil
}

// GetURL returns the public URL of a saved file, absolute when BaseURL is set.
func (s *StorageClient) GetURL(fileName string) string {
	prefix := s.PublicPrefix
	if prefix == "" {
		prefix = "/files"
	}
	if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	return fmt.Sprintf("%s%s/%s", strings.TrimSuffix(s.BaseURL, "/"), prefix, fileName)
}

// Open resolves a stored file name to a path inside BaseDir.
func (s *StorageClient) Open(name string) (string, error) {
	clean := filepath.Base(name)
	if clean != name || clean == "." || clean == ".." {
		return "", fs.ErrNotExist
	}
	path := filepath.Join(s.BaseDir, clean)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// DownloadName strips the random prefix added by Save.
func DownloadName(stored string) string {
	if idx := strings.IndexByte(stored, '_'); idx >= 0 {
		return stored[idx+1:]
	}
	return stored
}

// CleanupOlderThan deletes files older than d.
func (s *StorageClient) CleanupOlderThan(d time.Duration) error {
	now := time.Now()
	return filepath.WalkDir(s.BaseDir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) > d {
			_ = os.Remove(path)
		}
		return nil
	})
}
