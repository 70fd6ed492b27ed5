package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pyflow-dev/pyflow/pkg/cache"
	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/httputil"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// DefaultWarehouseURL is the PyPI JSON API root.
const DefaultWarehouseURL = "https://pypi.org/pypi"

// DefaultPydepsURL is the dependency cache service root.
const DefaultPydepsURL = "https://pydeps.herokuapp.com"

// DefaultCacheTTL is how long oracle responses stay fresh on disk.
const DefaultCacheTTL = 24 * time.Hour

// Client queries the warehouse and pydeps services with caching and retry.
//
// All methods are safe for concurrent use.
type Client struct {
	http         *http.Client
	backend      cache.Cache
	ttl          time.Duration
	warehouseURL string
	pydepsURL    string

	mu   sync.Mutex
	memo map[string][]byte // per-process response memo
}

// Option configures a Client.
type Option func(*Client)

// WithWarehouseURL overrides the PyPI JSON API root. Used by tests and by
// mirror configurations.
func WithWarehouseURL(url string) Option {
	return func(c *Client) { c.warehouseURL = url }
}

// WithPydepsURL overrides the pydeps service root.
func WithPydepsURL(url string) Option {
	return func(c *Client) { c.pydepsURL = url }
}

// NewClient creates an oracle client with the given cache backend.
// Pass cache.NewNullCache() to disable persistent caching.
func NewClient(backend cache.Cache, ttl time.Duration, opts ...Option) *Client {
	c := &Client{
		http:         httputil.NewClient(),
		backend:      backend,
		ttl:          ttl,
		warehouseURL: DefaultWarehouseURL,
		pydepsURL:    DefaultPydepsURL,
		memo:         make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AvailableVersions returns all parseable versions of name known to the
// warehouse, sorted highest-first. Versions the grammar cannot parse (old
// date-style strings like "2004d") are skipped.
func (c *Client) AvailableVersions(ctx context.Context, name string) ([]pep440.Version, error) {
	name = pep440.CanonicalName(name)

	var data warehouseProject
	if err := c.cached(ctx, "pypi:project:"+name, &data, func(v any) error {
		return c.getJSON(ctx, fmt.Sprintf("%s/%s/json", c.warehouseURL, name), v)
	}); err != nil {
		return nil, wrapOracleErr(err, name)
	}

	versions := make([]pep440.Version, 0, len(data.Releases))
	for raw := range data.Releases {
		if v, err := pep440.ParseVersion(raw); err == nil {
			versions = append(versions, v)
		}
	}
	pep440.SortVersionsDesc(versions)
	return versions, nil
}

// Dependencies returns the requirements of (name, version). The pydeps
// cache is consulted first; when it has no entry the warehouse per-version
// metadata (derived from the wheel's METADATA) is used instead.
// Requirement strings that fail to parse are skipped.
func (c *Client) Dependencies(ctx context.Context, name string, version pep440.Version) ([]pep440.Requirement, error) {
	name = pep440.CanonicalName(name)

	reqs, err := c.pydepsDependencies(ctx, name, version)
	if err == nil {
		return reqs, nil
	}
	if !errors.Is(err, errors.ErrCodePackageNotFound) {
		return nil, err
	}

	release, err := c.Release(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return release.Dependencies, nil
}

// Wheels returns the wheel artifacts of (name, version).
func (c *Client) Wheels(ctx context.Context, name string, version pep440.Version) ([]WheelInfo, error) {
	release, err := c.Release(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return release.Wheels, nil
}

// RequiresPython returns the interpreter constraint of (name, version);
// nil when the release declares none.
func (c *Client) RequiresPython(ctx context.Context, name string, version pep440.Version) (pep440.ConstraintSet, error) {
	release, err := c.Release(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return release.RequiresPython, nil
}

// Sdist returns the source distribution of (name, version), or nil when
// the release ships no sdist.
func (c *Client) Sdist(ctx context.Context, name string, version pep440.Version) (*ArchiveInfo, error) {
	release, err := c.Release(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return release.Sdist, nil
}

// Release fetches the full artifact and dependency metadata of one
// (name, version) pair from the warehouse.
func (c *Client) Release(ctx context.Context, name string, version pep440.Version) (*Release, error) {
	name = pep440.CanonicalName(name)
	key := fmt.Sprintf("pypi:release:%s:%s", name, version)

	var data warehouseVersion
	if err := c.cached(ctx, key, &data, func(v any) error {
		return c.getJSON(ctx, fmt.Sprintf("%s/%s/%s/json", c.warehouseURL, name, version), v)
	}); err != nil {
		return nil, wrapOracleErr(err, name)
	}

	release := &Release{Name: name, Version: version}

	if data.Info.RequiresPython != "" {
		if cs, err := pep440.ParseConstraints(data.Info.RequiresPython); err == nil {
			release.RequiresPython = cs
		}
	}
	for _, raw := range data.Info.RequiresDist {
		if req, err := pep440.ParseRequirement(raw); err == nil {
			release.Dependencies = append(release.Dependencies, req)
		}
	}
	for _, f := range data.URLs {
		switch {
		case f.PackageType == "bdist_wheel" && IsWheelFilename(f.Filename):
			py, abi, plat, ok := ParseWheelTags(f.Filename)
			if !ok {
				continue
			}
			release.Wheels = append(release.Wheels, WheelInfo{
				Filename:    f.Filename,
				URL:         f.URL,
				SHA256:      f.Digests.SHA256,
				PythonTag:   py,
				ABITag:      abi,
				PlatformTag: plat,
			})
		case f.PackageType == "sdist" && release.Sdist == nil:
			release.Sdist = &ArchiveInfo{
				Filename: f.Filename,
				URL:      f.URL,
				SHA256:   f.Digests.SHA256,
			}
		}
	}
	return release, nil
}

// cached looks up key in the per-process memo and the cache backend before
// calling fetch, and stores successful results in both.
func (c *Client) cached(ctx context.Context, key string, v any, fetch func(any) error) error {
	c.mu.Lock()
	raw, ok := c.memo[key]
	c.mu.Unlock()
	if ok {
		return json.Unmarshal(raw, v)
	}

	if data, hit, err := c.backend.Get(ctx, key); err == nil && hit {
		if json.Unmarshal(data, v) == nil {
			c.remember(key, data)
			return nil
		}
	}

	if err := httputil.RetryWithBackoff(ctx, func() error { return fetch(v) }); err != nil {
		return err
	}

	if data, err := json.Marshal(v); err == nil {
		c.remember(key, data)
		_ = c.backend.Set(ctx, key, data, c.ttl)
	}
	return nil
}

func (c *Client) remember(key string, data []byte) {
	c.mu.Lock()
	c.memo[key] = data
	c.mu.Unlock()
}

// getJSON performs an HTTP GET and decodes the JSON response into v.
// 5xx responses and transport failures are marked retryable.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return httputil.Retryable(errors.Wrap(errors.ErrCodeNetwork, err, "request %s", url))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, url); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func checkStatus(code int, url string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.ErrCodePackageNotFound, "not found: %s", url)
	case code >= 500:
		return httputil.Retryable(errors.New(errors.ErrCodeNetwork, "status %d from %s", code, url))
	default:
		return errors.New(errors.ErrCodeNetwork, "status %d from %s", code, url)
	}
}

func wrapOracleErr(err error, name string) error {
	if errors.Is(err, errors.ErrCodePackageNotFound) {
		return err
	}
	if errors.GetCode(err) == "" || errors.Is(err, errors.ErrCodeNetwork) {
		return errors.Wrap(errors.ErrCodeOracleUnavailable, err, "oracle unavailable for %s", name)
	}
	return err
}

// warehouse wire types; only the fields the client consumes.

type warehouseProject struct {
	Info     warehouseInfo                  `json:"info"`
	Releases map[string][]warehouseFileInfo `json:"releases"`
}

type warehouseVersion struct {
	Info warehouseInfo       `json:"info"`
	URLs []warehouseFileInfo `json:"urls"`
}

type warehouseInfo struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	RequiresDist   []string `json:"requires_dist"`
	RequiresPython string   `json:"requires_python"`
}

type warehouseFileInfo struct {
	Filename       string           `json:"filename"`
	URL            string           `json:"url"`
	PackageType    string           `json:"packagetype"`
	PythonVersion  string           `json:"python_version"`
	RequiresPython string           `json:"requires_python"`
	Digests        warehouseDigests `json:"digests"`
}

type warehouseDigests struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}
