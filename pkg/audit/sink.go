package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink queues audit entries and writes them in the background so grant
// and revoke paths never wait on the database. When the queue is full
// the entry is dropped with a log line rather than blocking.
type Sink struct {
	writer  *Writer
	queue   chan queued
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
}

type queued struct {
	userID  uuid.UUID
	action  string
	details any
}

func NewSink(writer *Writer, depth int) *Sink {
	if depth <= 0 {
		depth = 256
	}
	s := &Sink{
		writer:  writer,
		queue:   make(chan queued, depth),
		timeout: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Record enqueues one entry. It never blocks.
func (s *Sink) Record(userID uuid.UUID, action string, details any) {
	select {
	case s.queue <- queued{userID: userID, action: action, details: details}:
	default:
		log.Printf("audit: queue full, dropping %s entry", action)
	}
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for q := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.writer.Append(ctx, q.userID, q.action, q.details); err != nil {
			log.Printf("audit: write %s: %v", q.action, err)
		}
		cancel()
	}
}

// Close flushes queued entries and stops the writer goroutine.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}
