package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pool manages a pool of sandbox executors for efficient reuse.
type Pool struct {
	config    *Config
	executors map[string]*languagePool
	mu        sync.RWMutex
	closed    bool
}

// languagePool manages executors for a specific language.
type languagePool struct {
	language  string
	available chan RuntimeExecutor
	active    int
	maxSize   int
	mu        sync.Mutex
	config    *Config
}

// NewPool creates a new executor pool.
func NewPool(config *Config) (*Pool, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	pool := &Pool{
		config:    config,
		executors: make(map[string]*languagePool),
	}

	// Pre-warm pools for each language
	languages := []string{"python", "nodejs", "go", "bash"}
	for _, lang := range languages {
		langPool := &languagePool{
			language:  lang,
			available: make(chan RuntimeExecutor, config.MaxPoolSize),
			maxSize:   config.MaxPoolSize,
			config:    config,
		}
		pool.executors[lang] = langPool

		// Pre-create initial executors
		for i := 0; i < config.PoolSize && i < config.MaxPoolSize; i++ {
			executor, err := pool.createExecutor(lang)
			if err != nil {
				// Log error but continue - pool can grow on demand
				continue
			}
			langPool.available <- executor
		}
	}

	return pool, nil
}

// Get retrieves an executor from the pool for the specified language.
func (p *Pool) Get(ctx context.Context, language string) (RuntimeExecutor, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("pool is closed")
	}
	p.mu.RUnlock()

	langPool, ok := p.executors[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}

	// Try to get an available executor
	select {
	case executor := <-langPool.available:
		return executor, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// No executor available, try to create a new one
		langPool.mu.Lock()
		if langPool.active < langPool.maxSize {
			langPool.active++
			langPool.mu.Unlock()

			executor, err := p.createExecutor(language)
			if err != nil {
				langPool.mu.Lock()
				langPool.active--
				langPool.mu.Unlock()
				return nil, err
			}
			return executor, nil
		}
		langPool.mu.Unlock()

		// Wait for an executor to become available
		select {
		case executor := <-langPool.available:
			return executor, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, errors.New("timeout waiting for executor")
		}
	}
}

// Put returns an executor to the pool.
func (p *Pool) Put(executor RuntimeExecutor) {
	if executor == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		executor.Close()
		return
	}

	langPool, ok := p.executors[executor.Language()]
	if !ok {
		executor.Close()
		return
	}

	// Try to return to pool, otherwise close
	select {
	case langPool.available <- executor:
		// Successfully returned to pool
	default:
		// Pool is full, close the executor
		executor.Close()
		langPool.mu.Lock()
		langPool.active--
		langPool.mu.Unlock()
	}
}

// Close shuts down the pool and all executors.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Close all executors in all pools
	for _, langPool := range p.executors {
		close(langPool.available)
		for executor := range langPool.available {
			executor.Close()
		}
	}

	return nil
}

// createExecutor creates a new executor for the specified language.
//
// Docker is the only backend the pool actually spawns. NewExecutor accepts a
// Backend option for forward compatibility, but no caller ever configures
// anything other than the default.
func (p *Pool) createExecutor(language string) (RuntimeExecutor, error) {
	switch p.config.Backend {
	case BackendDocker:
		return newDockerExecutor(language, p.config.DefaultCPU, p.config.DefaultMemory, p.config.NetworkEnabled)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", p.config.Backend)
	}
}
