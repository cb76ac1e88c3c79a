package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/route-beacon/rib-replay/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound reports a file the archive does not have.
var ErrNotFound = errors.New("archive: file not found")

// Fetcher downloads archive files into a Cache.
type Fetcher struct {
	client  *http.Client
	cache   *Cache
	workers int
	logger  *zap.Logger
}

func NewFetcher(cache *Cache, client *http.Client, workers int, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if workers < 1 {
		workers = 1
	}
	return &Fetcher{client: client, cache: cache, workers: workers, logger: logger}
}

// Fetch returns the local path of f, downloading it on a cache miss.
func (f *Fetcher) Fetch(ctx context.Context, file File) (string, error) {
	if e, ok, err := f.cache.Lookup(file); err != nil {
		return "", err
	} else if ok {
		metrics.ArchiveBytesTotal.WithLabelValues("cache").Add(float64(e.Size))
		f.logger.Debug("cache hit", zap.String("file", e.Name), zap.Int64("bytes", e.Size))
		return f.cache.Path(file), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", file.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", file.URL, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("fetching %s: unexpected status %s", file.URL, resp.Status)
	}

	e, err := f.cache.Store(file, resp.Body)
	if err != nil {
		return "", err
	}
	metrics.ArchiveBytesTotal.WithLabelValues("remote").Add(float64(e.Size))
	f.logger.Info("downloaded",
		zap.String("url", file.URL),
		zap.Int64("bytes", e.Size),
		zap.Duration("took", time.Since(start)),
	)
	return f.cache.Path(file), nil
}

// Result is the outcome of FetchAll.
type Result struct {
	// Paths maps each available file URL to its local path.
	Paths map[string]string
	// Missing lists files the archive answered 404 for.
	Missing []File
}

// FetchAll downloads files with a bounded number of workers. Files the
// archive does not have are reported in Result.Missing; any other error
// aborts the remaining downloads.
func (f *Fetcher) FetchAll(ctx context.Context, files []File) (*Result, error) {
	res := &Result{Paths: make(map[string]string, len(files))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for _, file := range files {
		g.Go(func() error {
			path, err := f.Fetch(ctx, file)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNotFound):
				res.Missing = append(res.Missing, file)
				return nil
			case err != nil:
				return err
			}
			res.Paths[file.URL] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(res.Missing, func(a, b File) int { return strings.Compare(a.URL, b.URL) })
	for _, m := range res.Missing {
		f.logger.Warn("archive file missing",
			zap.String("collector", m.Collector),
			zap.String("kind", m.Kind.String()),
			zap.Time("slot", m.Time),
			zap.String("url", m.URL),
		)
	}
	return res, nil
}
