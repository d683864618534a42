package pagevault

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel chunk processing
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks to use parallel processing
	// Below this threshold, sequential processing is used
	// Defaults to 4
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return &ConfigurationError{Field: "parallel.max_workers", Value: p.MaxWorkers, Message: "cannot be negative"}
	}
	if p.MaxWorkers > 1024 {
		return &ConfigurationError{Field: "parallel.max_workers", Value: p.MaxWorkers, Message: "must not exceed 1024"}
	}
	if p.MinChunksForParallel < 1 {
		return &ConfigurationError{Field: "parallel.min_chunks", Value: p.MinChunksForParallel, Message: "must be at least 1"}
	}
	if p.MinChunksForParallel > 1000 {
		return &ConfigurationError{Field: "parallel.min_chunks", Value: p.MinChunksForParallel, Message: "must not exceed 1000"}
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// batchSize is how many chunks are buffered before a batch is encrypted
func (p ParallelConfig) batchSize() int {
	if !p.Enabled {
		return 1
	}
	n := p.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < p.MinChunksForParallel {
		n = p.MinChunksForParallel
	}
	return n
}

// chunkJob represents one chunk encryption job
type chunkJob struct {
	index      uint32
	plaintext  []byte
	ciphertext []byte
}

// sealChunks encrypts a batch of chunks, in parallel when the batch is large
// enough. Each job's nonce and AAD depend only on its index, so completion
// order does not matter; results land in the job they came from.
func sealChunks(engine CipherEngine, baseNonce, exportID []byte, jobs []chunkJob, cfg ParallelConfig) error {
	if len(jobs) == 0 {
		return nil
	}

	seal := func(j *chunkJob) error {
		ct, err := engine.Seal(ChunkNonce(baseNonce, j.index), j.plaintext, ChunkAAD(exportID, j.index))
		if err != nil {
			return fmt.Errorf("chunk %d: %w", j.index, err)
		}
		j.ciphertext = ct
		return nil
	}

	// Check if parallel processing is worth it
	if !cfg.Enabled || len(jobs) < cfg.MinChunksForParallel {
		for i := range jobs {
			if err := seal(&jobs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	// Determine number of workers
	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	// Limit workers to number of chunks
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					// Convert panic to error
					select {
					case errChan <- fmt.Errorf("panic in encryption worker: %v", r):
					default:
					}
				}
			}()
			for idx := range jobChan {
				if err := seal(&jobs[idx]); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
