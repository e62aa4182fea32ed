// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

// maxLineSize bounds a single buffered stream line.
const maxLineSize = 1 << 20

// =============================================================================
// STREAM STATS
// =============================================================================

// StreamStats counts what one Backend.Stream call delivered.
type StreamStats struct {
	// Deltas is the number of non-empty text deltas passed to the callback.
	Deltas int
	// Skipped is the number of malformed chunks that were ignored.
	Skipped int
}

type streamStatsKey struct{}

// WithStreamStats returns a context that collects stream counts. The
// returned StreamStats is filled in when Stream returns and must not be
// read before then.
func WithStreamStats(ctx context.Context) (context.Context, *StreamStats) {
	stats := &StreamStats{}
	return context.WithValue(ctx, streamStatsKey{}, stats), stats
}

func streamStatsFrom(ctx context.Context) *StreamStats {
	stats, _ := ctx.Value(streamStatsKey{}).(*StreamStats)
	return stats
}

// =============================================================================
// STREAM READER
// =============================================================================

// chunkDecoder extracts the text delta from one complete line.
// It returns done=true when the line signals end of stream, and an error
// wrapping errMalformedChunk for lines that should be skipped. Any other
// error aborts the stream.
type chunkDecoder func(line []byte) (delta string, done bool, err error)

// StreamReader reads a line-oriented chunk stream. Lines are buffered until
// the terminating newline arrives, so a JSON object split across network
// reads is decoded only once it is complete.
type StreamReader struct {
	reader *bufio.Reader
	decode chunkDecoder

	deltas  int
	skipped int
}

// newStreamReader creates a reader over r using decode for each line.
func newStreamReader(r io.Reader, decode chunkDecoder) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReaderSize(r, 64*1024),
		decode: decode,
	}
}

// Process reads the stream and calls fn for each non-empty delta.
// It returns nil when the backend signals completion or closes the stream
// cleanly, and a typed Error when the connection fails mid-stream.
// Counts are recorded into the context's StreamStats, if any.
func (s *StreamReader) Process(ctx context.Context, fn DeltaFunc) error {
	if stats := streamStatsFrom(ctx); stats != nil {
		defer func() {
			stats.Deltas += s.deltas
			stats.Skipped += s.skipped
		}()
	}
	for {
		if err := ctx.Err(); err != nil {
			return transportError(err)
		}

		line, readErr := s.readLine()
		if len(line) > 0 {
			delta, done, err := s.decode(line)
			switch {
			case errors.Is(err, errMalformedChunk):
				s.skipped++
			case err != nil:
				return err
			default:
				if delta != "" {
					s.deltas++
					if err := fn(delta); err != nil {
						return err
					}
				}
				if done {
					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return transportError(ctx.Err())
			}
			return &Error{Type: ErrTypeConnection, Message: "stream interrupted", Cause: readErr}
		}
	}
}

// readLine returns the next trimmed line. A final line without a trailing
// newline is returned together with io.EOF.
func (s *StreamReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		part, isPrefix, err := s.reader.ReadLine()
		buf = append(buf, part...)
		if len(buf) > maxLineSize {
			return nil, &Error{Type: ErrTypeInvalidResponse, Message: "stream line exceeds limit"}
		}
		if err != nil {
			return bytes.TrimSpace(buf), err
		}
		if !isPrefix {
			return bytes.TrimSpace(buf), nil
		}
	}
}
