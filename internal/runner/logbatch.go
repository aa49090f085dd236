// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"bytes"
	"sync"
	"time"
)

// logBatcher accumulates output lines for one stream and hands them to
// the flush callback either when the batch fills or when the interval
// elapses. Batching keeps chatty steps from turning every output line
// into its own websocket frame.
type logBatcher struct {
	stream   string
	interval time.Duration
	maxLines int
	flush    func(stream string, lines []string)

	mu    sync.Mutex
	lines []string

	done chan struct{}
	wg   sync.WaitGroup
}

func newLogBatcher(stream string, interval time.Duration, maxLines int, flush func(string, []string)) *logBatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxLines <= 0 {
		maxLines = 200
	}
	b := &logBatcher{
		stream:   stream,
		interval: interval,
		maxLines: maxLines,
		flush:    flush,
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Add appends one line. A full batch is flushed inline on the caller's
// goroutine so a runaway step backpressures itself.
func (b *logBatcher) Add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	var batch []string
	if len(b.lines) >= b.maxLines {
		batch = b.lines
		b.lines = nil
	}
	b.mu.Unlock()
	if batch != nil {
		b.flush(b.stream, batch)
	}
}

func (b *logBatcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.drain()
		case <-b.done:
			return
		}
	}
}

func (b *logBatcher) drain() {
	b.mu.Lock()
	batch := b.lines
	b.lines = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(b.stream, batch)
	}
}

// Close stops the ticker and flushes whatever is buffered.
func (b *logBatcher) Close() {
	close(b.done)
	b.wg.Wait()
	b.drain()
}

// lineWriter adapts an io.Writer sink (process pipes, docker log
// demuxing) into per-line calls on a logBatcher. A trailing partial
// line is held until the next write or Close.
type lineWriter struct {
	b   *logBatcher
	buf []byte
}

func newLineWriter(b *logBatcher) *lineWriter {
	return &lineWriter{b: b}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := w.buf[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		w.b.Add(string(line))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Close flushes a trailing line that was not newline-terminated.
func (w *lineWriter) Close() error {
	if len(w.buf) > 0 {
		w.b.Add(string(w.buf))
		w.buf = nil
	}
	return nil
}
