package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/httputil"
)

// maxParallelDownloads bounds concurrent artifact fetches in one install
// run. Unpacking stays strictly sequential.
const maxParallelDownloads = 4

// Downloader fetches artifacts into the shared dependency cache with
// SHA-256 verification. The cache is append-only, keyed by
// "<name>-<version>-<sha256 prefix>"; writes commit via rename, so
// concurrent readers are safe.
type Downloader struct {
	http     *http.Client
	cacheDir string
	retry    httputil.Policy
}

// NewDownloader creates a Downloader writing into cacheDir, retrying
// failed fetches per the download policy.
func NewDownloader(cacheDir string) *Downloader {
	return &Downloader{
		http:     httputil.NewClient(),
		cacheDir: cacheDir,
		retry:    httputil.DownloadPolicy,
	}
}

// Request identifies one artifact to fetch.
type Request struct {
	Name     string // canonical package name
	Version  string
	Filename string
	URL      string
	SHA256   string // expected hex digest; empty skips verification (path/git builds)
}

// cachePath is where the verified artifact lives once committed.
func (d *Downloader) cachePath(req Request) string {
	key := fmt.Sprintf("%s-%s-%s", req.Name, req.Version, shortDigest(req.SHA256))
	return filepath.Join(d.cacheDir, key, req.Filename)
}

func shortDigest(sha string) string {
	if len(sha) > 16 {
		return sha[:16]
	}
	if sha == "" {
		return "nodigest"
	}
	return sha
}

// Fetch returns the local path of the verified artifact, downloading it if
// the cache has no copy. A digest mismatch aborts with HASH_MISMATCH and
// leaves no partial file behind.
func (d *Downloader) Fetch(ctx context.Context, req Request) (string, error) {
	dest := d.cachePath(req)
	if _, err := os.Stat(dest); err == nil {
		if req.SHA256 == "" {
			return dest, nil
		}
		digest, err := fileDigest(dest)
		if err == nil && strings.EqualFold(digest, req.SHA256) {
			return dest, nil
		}
		// A corrupt cache entry is discarded and re-fetched.
		_ = os.Remove(dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	tmp := filepath.Join(d.cacheDir, ".download-"+uuid.NewString())
	err := d.retry.Do(ctx, func() error {
		return d.downloadTo(ctx, req.URL, tmp)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrap(errors.ErrCodeNetwork, err, "downloading %s", req.Filename)
	}

	if req.SHA256 != "" {
		digest, err := fileDigest(tmp)
		if err != nil {
			_ = os.Remove(tmp)
			return "", err
		}
		if !strings.EqualFold(digest, req.SHA256) {
			_ = os.Remove(tmp)
			return "", errors.New(errors.ErrCodeHashMismatch,
				"hash mismatch for %s: expected sha256:%s, got sha256:%s",
				req.Filename, strings.ToLower(req.SHA256), digest)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return dest, nil
}

// FetchAll downloads a batch of artifacts with bounded parallelism,
// returning filename -> local path. The first failure cancels the rest;
// each in-flight temp file is unlinked by its own fetch.
func (d *Downloader) FetchAll(ctx context.Context, reqs []Request) (map[string]string, error) {
	paths := make([]string, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for i, req := range reqs {
		g.Go(func() error {
			path, err := d.Fetch(ctx, req)
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(reqs))
	for i, req := range reqs {
		out[req.Filename] = paths[i]
	}
	return out, nil
}

func (d *Downloader) downloadTo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return httputil.Retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return httputil.Retryable(fmt.Errorf("status %d from %s", resp.StatusCode, url))
	default:
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return httputil.Retryable(err)
	}
	return out.Close()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
