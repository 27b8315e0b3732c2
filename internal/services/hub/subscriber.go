package hub

import (
	"sync"

	"go.uber.org/zap"
)

// subscriber is one live connection: its bounded outbound queue, the
// tickers it subscribed to, and the writer goroutine draining the queue.
type subscriber struct {
	conn Conn
	hub  *Hub

	mu      sync.Mutex
	queue   []string
	drops   int
	closed  bool
	tickers map[string]struct{}

	wake chan struct{}
	done chan struct{}
}

// enqueue appends a line to the outbound queue. On a full queue the oldest
// line is evicted so the newest always fits; the publisher never waits.
func (s *subscriber) enqueue(line string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.hub.queueDepth {
		s.queue = s.queue[1:]
		s.drops++
	}
	s.queue = append(s.queue, line)
	saturated := s.drops > s.hub.dropLimit
	s.mu.Unlock()

	if saturated {
		// slow consumer past the limit: force disconnect off the publish
		// path, RemoveConnection takes the ticker-set locks itself
		s.hub.logger.Warn("subscriber queue saturated, disconnecting")
		go func() {
			s.hub.RemoveConnection(s.conn)
			_ = s.conn.Close()
		}()
		return
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue in FIFO order, preserving relative order of
// whatever actually gets delivered.
func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			line := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.conn.WriteUpdate(line); err != nil {
				s.hub.logger.Debug("subscriber write failed", zap.Error(err))
				s.hub.RemoveConnection(s.conn)
				_ = s.conn.Close()
				return
			}
		}
	}
}
