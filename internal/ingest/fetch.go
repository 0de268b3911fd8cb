package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

const (
	// MaxPageBytes caps a fetched body.
	MaxPageBytes = 5 << 20
	// maxCrawlDelay caps a robots.txt Crawl-delay.
	maxCrawlDelay = 10 * time.Second

	robotsTTL = 24 * time.Hour
	pageTTL   = time.Hour
)

// ErrDisallowed is returned when robots.txt forbids a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// FetcherConfig controls the HTTP fetcher.
type FetcherConfig struct {
	UserAgent     string
	Delay         time.Duration // minimum gap between requests to one host
	RespectRobots bool
	Timeout       time.Duration
}

// Page is a fetched document.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher downloads pages politely: requests to a host are spaced by the
// configured delay (or the robots.txt crawl delay when longer), robots.txt is
// honoured, and bodies are cached for an hour.
type Fetcher struct {
	client        *http.Client
	userAgent     string
	delay         time.Duration
	respectRobots bool

	robots *cache.Cache
	pages  *cache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cuc-indexer/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{
		client:        &http.Client{Timeout: cfg.Timeout},
		userAgent:     cfg.UserAgent,
		delay:         cfg.Delay,
		respectRobots: cfg.RespectRobots,
		robots:        cache.New(robotsTTL, time.Hour),
		pages:         cache.New(pageTTL, 10*time.Minute),
		limiters:      make(map[string]*rate.Limiter),
		logger:        slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (f *Fetcher) SetLogger(l *slog.Logger) { f.logger = l }

// Fetch returns the body of rawURL, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Page{}, fmt.Errorf("invalid url %q", rawURL)
	}
	if cached, ok := f.pages.Get(rawURL); ok {
		return cached.(Page), nil
	}

	crawlDelay := time.Duration(0)
	if f.respectRobots {
		group := f.robotsGroup(ctx, u)
		if !group.Test(u.EscapedPath()) {
			return Page{}, ErrDisallowed
		}
		crawlDelay = min(group.CrawlDelay, maxCrawlDelay)
	}

	if err := f.limiter(u.Host, crawlDelay).Wait(ctx); err != nil {
		return Page{}, err
	}

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPageBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if len(body) > MaxPageBytes {
		return Page{}, fmt.Errorf("%s exceeds %d bytes", rawURL, MaxPageBytes)
	}

	page := Page{URL: rawURL, ContentType: resp.Header.Get("Content-Type"), Body: body}
	f.pages.SetDefault(rawURL, page)
	return page, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	return resp, nil
}

// limiter returns the per-host limiter, widening its interval when robots.txt
// asks for a longer crawl delay.
func (f *Fetcher) limiter(host string, crawlDelay time.Duration) *rate.Limiter {
	interval := max(f.delay, crawlDelay)
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		f.limiters[host] = l
	} else if limit < l.Limit() {
		l.SetLimit(limit)
	}
	return l
}

// robotsGroup returns the robots.txt rules for the host. Missing or broken
// robots.txt files allow everything; the verdict is cached per host.
func (f *Fetcher) robotsGroup(ctx context.Context, u *url.URL) *robotstxt.Group {
	origin := u.Scheme + "://" + u.Host
	if cached, ok := f.robots.Get(origin); ok {
		return cached.(*robotstxt.RobotsData).FindGroup(f.userAgent)
	}

	data := f.fetchRobots(ctx, origin)
	f.robots.SetDefault(origin, data)
	return data.FindGroup(f.userAgent)
}

func (f *Fetcher) fetchRobots(ctx context.Context, origin string) *robotstxt.RobotsData {
	allowAll, _ := robotstxt.FromBytes(nil)

	resp, err := f.get(ctx, origin+"/robots.txt")
	if err != nil {
		f.logger.Debug("robots.txt unavailable", "origin", origin, "error", err)
		return allowAll
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return allowAll
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return allowAll
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		f.logger.Debug("robots.txt unparseable", "origin", origin, "error", err)
		return allowAll
	}
	return data
}
