// Package logfwd tails a task's session log and streams appended output to
// the task's webhook as log events. Chunks that cannot be delivered within
// the retry budget are dropped and counted; they are never replayed.
package logfwd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/metrics"
	"github.com/coderelay/coderelay/pkg/webhook"
)

const (
	// pollInterval is how often the log file is checked for new bytes.
	pollInterval = 2 * time.Second

	// maxChunkBytes bounds one log event payload.
	maxChunkBytes = 16 * 1024

	// deliveryAttempts is the per-chunk retry budget.
	deliveryAttempts = 3

	// retryDelay separates attempts within the budget.
	retryDelay = time.Second
)

// Sender delivers one event without outbox semantics. Satisfied by
// webhook.Client.SendOnce.
type Sender interface {
	SendOnce(ctx context.Context, req webhook.Request) error
}

// Forwarder tails one task's log file.
type Forwarder struct {
	taskID  string
	logPath string
	url     string
	secret  string
	sender  Sender

	interval  time.Duration
	retryWait time.Duration
	dropped   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a forwarder for one task.
func New(taskID, logPath, url, secret string, sender Sender) *Forwarder {
	return &Forwarder{
		taskID:    taskID,
		logPath:   logPath,
		url:       url,
		secret:    secret,
		sender:    sender,
		interval:  pollInterval,
		retryWait: retryDelay,
	}
}

// Dropped returns how many chunks were abandoned after the retry budget.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Start begins tailing in a background goroutine. Starting an already
// started forwarder is an error.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return fmt.Errorf("forwarder for task %s already started", f.taskID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})

	go f.run(ctx)
	return nil
}

// Stop flushes a final read and terminates the tail loop.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)

	var offset int64
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain so a fast-exiting session's tail is not lost.
			f.forwardNew(context.Background(), &offset, true)
			return
		case <-ticker.C:
			f.forwardNew(ctx, &offset, false)
		}
	}
}

// forwardNew reads bytes appended since the last offset and ships them in
// bounded chunks. A multi-byte rune caught mid-sequence at the end of a
// read is held back for the next poll so chunk boundaries never produce
// invalid UTF-8; flush delivers even an incomplete tail, for the final
// drain.
func (f *Forwarder) forwardNew(ctx context.Context, offset *int64, flush bool) {
	file, err := os.Open(f.logPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to open task log", "task_id", f.taskID, "error", err)
		}
		return
	}
	defer file.Close()

	if _, err := file.Seek(*offset, io.SeekStart); err != nil {
		log.Warn("failed to seek task log", "task_id", f.taskID, "error", err)
		return
	}

	buf := make([]byte, maxChunkBytes)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !flush {
				chunk = chunk[:completeRuneLen(chunk)]
			}
			if len(chunk) > 0 {
				*offset += int64(len(chunk))
				f.deliver(ctx, string(chunk))
			}
			if len(chunk) < n {
				// Partial rune tail; re-read it on the next poll.
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warn("failed to read task log", "task_id", f.taskID, "error", err)
			}
			return
		}
	}
}

// completeRuneLen returns the length of the longest prefix of p that does
// not end inside a multi-byte UTF-8 sequence. Invalid data is passed
// through unchanged.
func completeRuneLen(p []byte) int {
	end := len(p)
	for i := 1; i <= utf8.UTFMax && i <= end; i++ {
		b := p[end-i]
		if b < utf8.RuneSelf {
			return end
		}
		if b&0xC0 != 0x80 {
			// Leading byte: keep it only when its sequence is complete.
			if utf8.FullRune(p[end-i:]) {
				return end
			}
			return end - i
		}
	}
	return end
}

func (f *Forwarder) deliver(ctx context.Context, chunk string) {
	req := webhook.Request{
		TaskID:  f.taskID,
		URL:     f.url,
		Payload: webhook.LogEvent(chunk),
		Secret:  f.secret,
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if lastErr = f.sender.SendOnce(ctx, req); lastErr == nil {
			return
		}
		if attempt < deliveryAttempts {
			select {
			case <-ctx.Done():
				attempt = deliveryAttempts
			case <-time.After(f.retryWait):
			}
		}
	}

	f.dropped.Add(1)
	metrics.IncDroppedLogChunks(1)
	log.Warn("log chunk dropped after retry budget",
		"task_id", f.taskID, "bytes", len(chunk), "error", lastErr)
}
