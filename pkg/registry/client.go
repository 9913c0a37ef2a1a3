// Package registry fetches package metadata from an npm-compatible registry,
// optionally preferring a CDN mirror.
//
// Fetches are memoized in memory for a short lifetime. Every successful fetch
// is also written to an optional persistent [cache.Cache], which serves the
// last known metadata while the registry is unreachable. Concurrent fetches
// of the same package share one request.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/matzehuels/distwatch/pkg/buildinfo"
	"github.com/matzehuels/distwatch/pkg/cache"
	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/httputil"
	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/memo"
)

// Defaults applied to zero Options fields.
const (
	DefaultRegistry         = "https://registry.npmjs.org"
	DefaultMetadataFilename = "info.json"
	DefaultMemoryTTL        = 10 * time.Second
	DefaultCacheTTL         = time.Hour
	DefaultCacheBustWindow  = time.Minute
	DefaultAttempts         = 3
	DefaultRetryDelay       = time.Second
)

// DefaultHeaders are sent with every registry, CDN and tarball request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":     "application/json",
		"User-Agent": buildinfo.UserAgent(),
	}
}

// Options configures a [Client].
type Options struct {
	// Registry is the primary registry base URL.
	Registry string

	// CDNRegistry, when set, is tried first for metadata.
	CDNRegistry string

	// MetadataFilename is the document requested from the CDN under the
	// package directory.
	MetadataFilename string

	// CacheBustWindow sets the granularity of the CDN cache-bust parameter.
	CacheBustWindow time.Duration

	// MemoryTTL bounds the in-process lifetime of fetched metadata.
	MemoryTTL time.Duration

	// Cache is the optional persistent layer, read only when a live fetch
	// fails; CacheTTL bounds how stale a served entry can be.
	Cache    cache.Cache
	CacheTTL time.Duration
	Keyer    cache.Keyer

	// HTTP performs requests. Nil uses a default client.
	HTTP *httputil.Client

	// Attempts and RetryDelay control retries of transient registry failures.
	Attempts   int
	RetryDelay time.Duration

	Logger logging.Logger
}

// Client fetches registry metadata.
type Client struct {
	opts  Options
	label string
	memo  *memo.Memo[Result]
	log   logging.Logger
	now   func() time.Time
}

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Registry == "" {
		opts.Registry = DefaultRegistry
	}
	opts.Registry = strings.TrimRight(opts.Registry, "/")
	if err := errs.ValidateURL(opts.Registry); err != nil {
		return nil, err
	}

	label := "npm"
	if opts.CDNRegistry != "" {
		opts.CDNRegistry = strings.TrimRight(opts.CDNRegistry, "/")
		u, err := url.Parse(opts.CDNRegistry)
		if err != nil || u.Hostname() == "" {
			return nil, errs.New(errs.ErrCodeInvalidInput, "invalid CDN registry URL %q", opts.CDNRegistry)
		}
		label = u.Hostname()
	}

	if opts.MetadataFilename == "" {
		opts.MetadataFilename = DefaultMetadataFilename
	}
	if opts.CacheBustWindow <= 0 {
		opts.CacheBustWindow = DefaultCacheBustWindow
	}
	if opts.MemoryTTL == 0 {
		opts.MemoryTTL = DefaultMemoryTTL
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Keyer == (cache.Keyer{}) {
		opts.Keyer = cache.NewKeyer()
	}
	if opts.HTTP == nil {
		opts.HTTP = httputil.NewClient(nil, DefaultHeaders())
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	return &Client{
		opts:  opts,
		label: label,
		memo:  memo.New[Result]("metadata", opts.MemoryTTL, opts.Cache, opts.CacheTTL),
		log:   logging.OrDiscard(opts.Logger),
		now:   time.Now,
	}, nil
}

// Label identifies the metadata source: the CDN hostname, or "npm".
// Installs from different sources live under different roots.
func (c *Client) Label() string { return c.label }

// Registry returns the primary registry URL.
func (c *Client) Registry() string { return c.opts.Registry }

// CDNRegistry returns the CDN URL, or "".
func (c *Client) CDNRegistry() string { return c.opts.CDNRegistry }

// HTTP returns the underlying HTTP client, shared with the installer.
func (c *Client) HTTP() *httputil.Client { return c.opts.HTTP }

// Fetch returns the metadata for name.
func (c *Client) Fetch(ctx context.Context, name string) (*Result, error) {
	if err := errs.ValidateNpmPackageName(name); err != nil {
		return nil, err
	}
	key := c.opts.Keyer.MetadataKey(name, c.label)
	res, err := c.memo.Do(ctx, key, func(ctx context.Context) (Result, error) {
		return c.fetch(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Flush drops memoized metadata, including entries in the persistent cache.
func (c *Client) Flush(ctx context.Context) error {
	return c.memo.Flush(ctx)
}

func (c *Client) fetch(ctx context.Context, name string) (Result, error) {
	if c.opts.CDNRegistry != "" {
		raw, err := c.get(ctx, c.cdnURL(name))
		if err == nil {
			return Result{Metadata: raw.normalize(), FromCDN: true}, nil
		}
		c.log.Warn("cdn_registry_failure",
			"cdn", c.opts.CDNRegistry, "name", name, "status", httputil.StatusCode(err), "err", err)
	}

	src := c.opts.Registry + "/" + escapeName(name)
	raw, err := c.get(ctx, src)
	if err != nil {
		return Result{}, errs.Wrap(errs.ErrCodeFetch, err, "fetch %s from %s", name, c.opts.Registry)
	}
	return Result{Metadata: raw.normalize()}, nil
}

func (c *Client) get(ctx context.Context, u string) (*rawPackage, error) {
	var raw rawPackage
	err := httputil.Retry(ctx, c.opts.Attempts, c.opts.RetryDelay, func() error {
		raw = rawPackage{}
		return c.opts.HTTP.GetJSON(ctx, u, &raw)
	})
	if err != nil {
		return nil, err
	}
	return &raw, nil
}

func (c *Client) cdnURL(name string) string {
	bust := c.now().UnixMilli() / c.opts.CacheBustWindow.Milliseconds()
	return fmt.Sprintf("%s/%s/%s?cache-bust=%d",
		c.opts.CDNRegistry, strings.Replace(name, "@", "", 1), c.opts.MetadataFilename, bust)
}

// escapeName encodes the scope separator of scoped names as registries expect.
func escapeName(name string) string {
	if strings.HasPrefix(name, "@") {
		return strings.Replace(name, "/", "%2F", 1)
	}
	return name
}

// TarballURL returns the URL to download entry from. When metadata came from
// the CDN and the tarball points elsewhere, its origin is replaced by the
// CDN's origin and the path is kept.
func (c *Client) TarballURL(entry VersionEntry, fromCDN bool) (string, error) {
	tarball := entry.Tarball
	if tarball == "" {
		return "", errs.New(errs.ErrCodeInstall, "no tarball URL")
	}
	if c.opts.CDNRegistry == "" || !fromCDN || strings.Contains(tarball, c.opts.CDNRegistry) {
		return tarball, nil
	}

	src, err := url.Parse(tarball)
	if err != nil {
		return "", errs.Wrap(errs.ErrCodeInstall, err, "parse tarball url %s", tarball)
	}
	cdn, err := url.Parse(c.opts.CDNRegistry)
	if err != nil {
		return "", errs.Wrap(errs.ErrCodeInstall, err, "parse CDN url %s", c.opts.CDNRegistry)
	}
	rewritten := (&url.URL{Scheme: cdn.Scheme, Host: cdn.Host, Path: src.Path}).String()

	c.log.Info("tarball_location_rewritten",
		"cdn", c.opts.CDNRegistry, "from", tarball, "to", rewritten)
	return rewritten, nil
}
