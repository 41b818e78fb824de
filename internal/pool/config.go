package pool

import (
	"fmt"
	"runtime"
	"time"
)

const (
	defaultQueueCapacity = 100
	defaultKeepAlive     = 60 * time.Second
)

// Config sizes a Pool. It is read once at construction.
type Config struct {
	// CoreSize workers are started with the pool and never retire.
	CoreSize int
	// MaxSize bounds core plus overflow workers. Must be >= CoreSize.
	MaxSize int
	// QueueCapacity bounds the FIFO of pending tasks. Zero disables queueing.
	QueueCapacity int
	// KeepAlive is how long an idle overflow worker waits before retiring.
	KeepAlive time.Duration
	// Rejection is applied when no worker, queue slot or overflow slot is free.
	// Nil means Abort.
	Rejection RejectionPolicy
}

// DefaultConfig returns a configuration sized to the machine.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		CoreSize:      n,
		MaxSize:       2 * n,
		QueueCapacity: defaultQueueCapacity,
		KeepAlive:     defaultKeepAlive,
		Rejection:     Abort(),
	}
}

// Validate checks the sizing invariants.
func (c Config) Validate() error {
	if c.CoreSize < 0 {
		return fmt.Errorf("core size %d must not be negative", c.CoreSize)
	}
	if c.MaxSize < 1 {
		return fmt.Errorf("max size %d must be at least 1", c.MaxSize)
	}
	if c.CoreSize > c.MaxSize {
		return fmt.Errorf("core size %d exceeds max size %d", c.CoreSize, c.MaxSize)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity %d must not be negative", c.QueueCapacity)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keep-alive %v must not be negative", c.KeepAlive)
	}
	return nil
}
