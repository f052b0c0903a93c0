// Package parallel fans index ranges out across goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config bounds the fan-out of For.
type Config struct {
	Enabled      bool
	NumWorkers   int // goroutines at most
	MinChunkSize int // indices per goroutine at least
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 16,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{NumWorkers: 1, MinChunkSize: 1}
}

// For calls f(i) for every i in [0, n). Ranges of at least MinChunkSize
// indices run on at most NumWorkers goroutines; small or disabled
// configurations run inline, in order.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < cfg.MinChunkSize {
		for i := range n {
			f(i)
		}
		return
	}

	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)
	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				f(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ForRows runs f once per (batch, row) pair of a batches x rows grid.
// Kernels that write whole rows use it so no two goroutines share a row.
func ForRows(batches, rows int, f func(b, r int), cfg Config) {
	For(batches*rows, func(k int) {
		f(k/rows, k%rows)
	}, cfg)
}
