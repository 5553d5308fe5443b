package identify

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/kozaktomas/fingermatch/internal/scanner"
)

// WarmResult counts the outcome of a cache warm-up.
type WarmResult struct {
	Total  int `json:"total"`
	Cached int `json:"cached"`
	Failed int `json:"failed"`
}

// Warm extracts and stores the features of every candidate in dir. onFile is
// called after each file, from several goroutines.
func (id *Identifier) Warm(ctx context.Context, dir string, onFile func(name string, err error)) (*WarmResult, error) {
	names, err := scanner.Candidates(dir)
	if err != nil {
		return nil, err
	}

	workers := id.cfg.Scan.Workers
	if workers <= 0 {
		workers = 4
	}

	result := &WarmResult{Total: len(names)}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			_, _, err := id.scanner.Load(ctx, filepath.Join(dir, name))

			mu.Lock()
			if err != nil {
				result.Failed++
				id.logger.Warn("failed to cache candidate", "file", name, "error", err)
			} else {
				result.Cached++
			}
			mu.Unlock()

			if onFile != nil {
				onFile(name, err)
			}
		}(name)
	}
	wg.Wait()

	return result, ctx.Err()
}
