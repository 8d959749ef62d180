// Package storage holds encrypted document bytes. Adapters never see
// plaintext: the documents service encrypts before Put and decrypts after Get.
package storage

//go:generate mockgen -source=storage.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path"
	"strings"
)

// ErrInvalidPath rejects keys that are empty, absolute or escape the root.
var ErrInvalidPath = errors.New("invalid storage path")

// Meta travels with the object where the backend supports metadata.
type Meta struct {
	ContentType string
	OwnerID     string
	DocumentID  string
	KeyID       string
}

type PutResult struct {
	ETag string
	Size int64
}

// Storage is implemented by MemoryStorage, LocalStorage and S3Storage. Get on
// a missing object returns sentinel.ErrNotFound; Delete of a missing object
// succeeds.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, meta Meta) (PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey lays objects out per owner so a prefix listing never mixes users.
func DocumentKey(ownerID, documentID string) string {
	return path.Join("documents", ownerID, documentID+".bin")
}

func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.ContainsRune(key, 0) {
		return "", ErrInvalidPath
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", ErrInvalidPath
	}
	return clean, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
