package blob

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// Artifact kinds written by the reports surface.
const (
	KindExport = "exports"
	KindChart  = "charts"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Archiver stores generated report artifacts under date-partitioned keys:
// <kind>/<yyyy>/<mm>/<dd>/<hhmmss>-<rand>-<user>-<name>.
type Archiver struct {
	store Store
	nowFn func() time.Time
}

// NewArchiver wraps store. A nil store yields a nil Archiver.
func NewArchiver(store Store) *Archiver {
	if store == nil {
		return nil
	}
	return &Archiver{store: store, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Store returns the wrapped backend.
func (a *Archiver) Store() Store { return a.store }

// Key builds the archive key for an artifact.
func (a *Archiver) Key(kind, user, name string) string {
	now := a.nowFn()
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	owner := sanitize(user)
	if owner == "" {
		owner = "anonymous"
	}
	file := fmt.Sprintf("%s-%s-%s-%s", now.Format("150405"), hex.EncodeToString(suffix[:]), owner, sanitize(name))
	return path.Join(kind, now.Format("2006/01/02"), file)
}

// Save writes data and returns the stored blob info.
func (a *Archiver) Save(ctx context.Context, kind, user, name, contentType string, data []byte) (Info, error) {
	key := a.Key(kind, user, name)
	info, err := a.store.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"user": user, "artifact": name},
	})
	if err != nil {
		return Info{}, fmt.Errorf("archive %s: %w", key, err)
	}
	return info, nil
}

// List returns archived artifacts of kind.
func (a *Archiver) List(ctx context.Context, kind string) ([]Info, error) {
	return a.store.List(ctx, strings.TrimSuffix(kind, "/")+"/")
}

// Open returns an archived artifact. Keys outside the artifact kinds report
// ErrNotFound.
func (a *Archiver) Open(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	if !archiveKey(key) {
		return Info{}, nil, ErrNotFound
	}
	return a.store.Get(ctx, key)
}

// Remove deletes an archived artifact and reports whether it existed.
func (a *Archiver) Remove(ctx context.Context, key string) (bool, error) {
	if !archiveKey(key) {
		return false, nil
	}
	return a.store.Delete(ctx, key)
}

func archiveKey(key string) bool {
	if key == "" || strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, KindExport+"/") || strings.HasPrefix(key, KindChart+"/")
}

func sanitize(s string) string {
	out := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(s), "_")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", "_")
	}
	return strings.Trim(out, "_")
}
