// Package storage persists uploaded inputs and generated outputs and hands
// back a URL for each object.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidPayload = errors.New("invalid inline payload")

// Store is put(bytes) -> url.
type Store interface {
	Put(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// FilesystemStore writes content-addressed files under baseDir.
type FilesystemStore struct {
	baseDir   string
	publicURL string
}

// NewFilesystemStore creates baseDir if needed. Objects are addressed as
// publicURL/<prefix>/<sha256><ext>.
func NewFilesystemStore(baseDir, publicURL string) (*FilesystemStore, error) {
	if baseDir == "" {
		baseDir = "data/blobs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *FilesystemStore) BaseDir() string { return s.baseDir }

func (s *FilesystemStore) Put(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + extensions[strings.ToLower(contentType)]
	key := path.Join(sanitize(prefix), name)

	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("ensure blob dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return s.url(key), nil
}

func (s *FilesystemStore) url(key string) string {
	if s.publicURL == "" {
		abs, _ := filepath.Abs(filepath.Join(s.baseDir, filepath.FromSlash(key)))
		return (&url.URL{Scheme: "file", Path: abs}).String()
	}
	return s.publicURL + "/" + key
}

func sanitize(prefix string) string {
	clean := path.Clean("/" + strings.ReplaceAll(prefix, "\\", "/"))
	return strings.TrimPrefix(clean, "/")
}

// DecodeInline accepts either a data URI or bare base64 and returns the bytes
// and their content type. fallbackType is used when the payload names none.
func DecodeInline(s, fallbackType string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	contentType := fallbackType
	if strings.HasPrefix(s, "data:") {
		meta, payload, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: malformed data URI", ErrInvalidPayload)
		}
		if mt := strings.TrimSuffix(meta, ";base64"); mt != "" {
			contentType = mt
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// IsDataURI reports whether s is an inline payload rather than a reference URL.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// MemoryStore keeps objects in memory. Used in tests and when no storage dir is configured.
type MemoryStore struct {
	BaseURL string
	Objects map[string][]byte
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: strings.TrimRight(baseURL, "/"), Objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, prefix string, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	key := path.Join(sanitize(prefix), hex.EncodeToString(sum[:8])+extensions[contentType])
	m.Objects[key] = bytes.Clone(data)
	return m.BaseURL + "/" + key, nil
}
