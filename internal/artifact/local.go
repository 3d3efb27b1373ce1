// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/google/renameio/v2"
)

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	Dir string
	// BaseURL is the public prefix the Handler is mounted under.
	BaseURL    string
	SigningKey []byte
	TTL        time.Duration
}

// LocalStore keeps artifacts on the local filesystem and serves them through
// Handler with HMAC-signed, expiring URLs.
type LocalStore struct {
	dir     string
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(opts LocalOptions) (*LocalStore, error) {
	if len(opts.SigningKey) == 0 {
		return nil, errors.New("local artifact store requires a signing key")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LocalStore{
		dir:     opts.Dir,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.SigningKey,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (s *LocalStore) Backend() string { return "local" }

// Upload copies localPath into the store. The object becomes visible
// atomically and only after it is synced.
func (s *LocalStore) Upload(ctx context.Context, key, localPath string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	size, err := s.copyIn(key, localPath)
	if err != nil {
		metrics.ArtifactUploads.WithLabelValues(s.Backend(), "error").Inc()
		return "", err
	}
	metrics.ArtifactUploads.WithLabelValues(s.Backend(), "ok").Inc()

	lg := log.WithComponentFromContext(ctx, "artifact")

	lg.Debug().
		Str("event", "artifact.uploaded").
		Str(log.FieldKey, key).
		Int64(log.FieldSize, size).
		Msg("artifact stored")
	return s.SignedURL(ctx, key, s.ttl)
}

func (s *LocalStore) copyIn(key, localPath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = src.Close() }()

	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}
	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o640))
	if err != nil {
		return 0, fmt.Errorf("create pending artifact: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, src)
	if err != nil {
		return 0, fmt.Errorf("copy artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("commit artifact: %w", err)
	}
	return n, nil
}

// SignedURL returns BaseURL/key?exp=...&sig=... valid for ttl.
func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(key, exp))
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode(), nil
}

func (s *LocalStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *LocalStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by SignedURL.
func (s *LocalStore) Verify(key, expParam, sig string) error {
	exp, err := strconv.ParseInt(expParam, 10, 64)
	if err != nil {
		return errors.New("invalid expiry")
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return errors.New("invalid signature")
	}
	if s.now().Unix() > exp {
		return errors.New("url expired")
	}
	return nil
}

// Handler serves signed artifacts. It expects to be mounted with the
// BaseURL path prefix stripped.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/")
		if err := ValidateKey(key); err != nil {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if err := s.Verify(key, q.Get("exp"), q.Get("sig")); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(key)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType(key))
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, filepath.Base(key), info.ModTime(), f)
	})
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ Store = (*LocalStore)(nil)
