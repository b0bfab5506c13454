package workflow

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/backend"
)

// Chunk is one frame the Emit node yields to a streaming caller.
type Chunk struct {
	Delta string
	Done  bool
}

// StreamMetrics tracks chunk/byte accounting for one streaming request,
// including whether the client disconnected before the stream finished.
type StreamMetrics struct {
	ChunksSent       int
	BytesSent        int64
	ClientDisconnect bool
	TotalDuration    time.Duration
}

// StreamBackend paces a backend.Stream's raw bytes into word-grouped
// chunks and forwards them to sink, honoring a minimum inter-arrival floor
// so a very fast producer doesn't flood the client with single-word frames.
// If the producer is slower than minInterval, chunks pass straight through.
//
// On client disconnect (ctx cancelled) it stops forwarding immediately and
// does not drain the rest of the backend stream; the caller is responsible
// for releasing the backend slot.
func StreamBackend(ctx context.Context, stream backend.Stream, minInterval time.Duration, sink func(Chunk) error, logger zerolog.Logger) StreamMetrics {
	var metrics StreamMetrics
	start := time.Now()
	defer func() { metrics.TotalDuration = time.Since(start) }()

	pr, pw := io.Pipe()
	go func() {
		for {
			buf, err := stream.Next()
			if len(buf) > 0 {
				if _, werr := pw.Write(buf); werr != nil {
					pw.CloseWithError(werr)
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					pw.Close()
				} else {
					pw.CloseWithError(err)
				}
				return
			}
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Split(bufio.ScanWords)

	var lastSend time.Time
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			metrics.ClientDisconnect = true
			logger.Warn().Int("chunks_sent", metrics.ChunksSent).Msg("client disconnected mid-stream")
			return metrics
		default:
		}

		word := scanner.Text()
		if !lastSend.IsZero() && minInterval > 0 {
			if wait := minInterval - time.Since(lastSend); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					metrics.ClientDisconnect = true
					return metrics
				}
			}
		}

		if err := sink(Chunk{Delta: word + " "}); err != nil {
			metrics.ClientDisconnect = true
			return metrics
		}
		metrics.ChunksSent++
		metrics.BytesSent += int64(len(word) + 1)
		lastSend = time.Now()
	}

	_ = sink(Chunk{Done: true})
	return metrics
}

// wordGroup splits a finished (non-streaming) answer into the same
// word-grouped chunk shape, for callers that want to simulate pacing over a
// buffered answer (e.g. a cache hit served through the streaming endpoint).
func wordGroup(answer string) []string {
	return strings.Fields(answer)
}
