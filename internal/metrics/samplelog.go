package metrics

import (
	"sync"

	"meshlink/internal/model"
)

// SampleLog buffers samples in memory and appends them to a CSV file on Flush.
type SampleLog struct {
	path string

	mu      sync.Mutex
	pending []model.Sample
}

// NewSampleLog returns a log that writes to path.
func NewSampleLog(path string) *SampleLog {
	return &SampleLog{path: path}
}

// Record queues a sample for the next flush.
func (l *SampleLog) Record(s model.Sample) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, s)
	l.mu.Unlock()
}

// Flush writes queued samples. On failure the samples are kept for the next attempt.
func (l *SampleLog) Flush() error {
	if l == nil || l.path == "" {
		return nil
	}

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if err := AppendCSV(l.path, batch); err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return err
	}
	return nil
}
