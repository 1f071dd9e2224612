// Package notify delivers progress events to registered sinks. Delivery is
// best-effort and must never block or fail indexing progress.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/indexing/metrics"
)

// ProgressEvent is emitted after every processed chunk.
type ProgressEvent struct {
	Type         string                   `json:"type"`
	UserID       string                   `json:"userId"`
	Chunk        int                      `json:"chunk"`
	Total        int                      `json:"total"`
	Percent      float64                  `json:"percent"`
	CurrentBlock uint64                   `json:"currentBlock"`
	TargetBlock  uint64                   `json:"targetBlock"`
	Metrics      domain.CumulativeMetrics `json:"metrics"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Sink receives progress events. Implementations must not block.
type Sink interface {
	Publish(ev ProgressEvent)
}

// ChannelSink buffers events on a bounded channel drained by a consumer
// goroutine. When the buffer is full events are dropped and counted, never
// blocking the producer.
type ChannelSink struct {
	ch chan ProgressEvent
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan ProgressEvent, buffer)}
}

// Publish enqueues the event, dropping it if the buffer is full.
func (s *ChannelSink) Publish(ev ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
		metrics.ProgressEventsDropped.Inc()
	}
}

// Events exposes the drain side of the channel.
func (s *ChannelSink) Events() <-chan ProgressEvent {
	return s.ch
}

// Drain forwards buffered events to downstream sinks until ctx is done.
func (s *ChannelSink) Drain(ctx context.Context, downstream ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			for _, d := range downstream {
				d.Publish(ev)
			}
		}
	}
}

// LogSink writes progress events to the structured log.
type LogSink struct {
	Log *slog.Logger
}

// Publish logs the event.
func (s *LogSink) Publish(ev ProgressEvent) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("indexing progress",
		"user", ev.UserID,
		"chunk", ev.Chunk,
		"total", ev.Total,
		"percent", ev.Percent,
		"current_block", ev.CurrentBlock,
		"target_block", ev.TargetBlock,
		"logs", ev.Metrics.TotalLogs,
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Publish delivers to every sink.
func (m MultiSink) Publish(ev ProgressEvent) {
	for _, s := range m {
		s.Publish(ev)
	}
}
