package relay

import (
	"io"
	"net"
	"sync"
	"time"
)

// DefaultCoalesceLimit bounds how many bytes a coalescer holds before it
// flushes synchronously on the writer's goroutine.
const DefaultCoalesceLimit = 64 * 1024

// coalescer 把窗口期内的多次小写合并成一次写出。
// 第一次写入启动定时器，之后的写入不会推迟它，所以任何字节最多被延迟一个窗口。
// 缓冲达到上限时在调用方 goroutine 上同步 flush，写端因此被自然限速。
type coalescer struct {
	mu      sync.Mutex
	w       io.Writer
	window  time.Duration
	limit   int
	buf     []byte
	timer   *time.Timer
	gen     uint64
	err     error
	stopped bool
	onError func(error)
}

func newCoalescer(w io.Writer, window time.Duration, limit int, onError func(error)) *coalescer {
	if limit <= 0 {
		limit = DefaultCoalesceLimit
	}
	return &coalescer{w: w, window: window, limit: limit, onError: onError}
}

func (c *coalescer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0, net.ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	c.buf = append(c.buf, p...)
	if len(c.buf) >= c.limit {
		if err := c.flushLocked(); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if c.timer == nil {
		c.gen++
		gen := c.gen
		c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
	}
	return len(p), nil
}

// Flush writes out whatever is buffered right now.
func (c *coalescer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return net.ErrClosed
	}
	return c.flushLocked()
}

// Stop cancels any pending flush and discards buffered bytes.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cancelTimerLocked()
	c.buf = nil
}

func (c *coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	err := c.flushLocked()
	c.mu.Unlock()

	if err != nil && c.onError != nil {
		c.onError(err)
	}
}

func (c *coalescer) flushLocked() error {
	c.cancelTimerLocked()
	if c.err != nil {
		return c.err
	}
	if len(c.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf)
	c.buf = c.buf[:0]
	if err != nil {
		c.err = err
	}
	return err
}

func (c *coalescer) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		// 已经触发但还在等锁的回调会因为代数不符而放弃
		c.gen++
	}
}
