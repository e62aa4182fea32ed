// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consumer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/imagehive/internal/model"
)

// maxRecordSize bounds one buffered event record.
const maxRecordSize = 4 << 20

var recordSeparator = []byte("\n\n")

// splitRecords is a bufio.SplitFunc yielding blank-line separated records.
// Whatever remains at EOF is returned as a final record.
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, recordSeparator); i >= 0 {
		return i + len(recordSeparator), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// streamResult is what one pass over an event stream produced.
type streamResult struct {
	text    string
	tokens  int
	meta    model.Meta
	sawDone bool
}

// readEvents consumes an event stream. Token text is accumulated and passed
// to onToken as it arrives. An error event or an unparseable record is
// remembered (the first one wins) and returned only after the stream has
// been read to the end, so later records are still processed. A read error
// is returned immediately.
func readEvents(body io.Reader, onToken func(string)) (streamResult, error) {
	var (
		res      streamResult
		acc      strings.Builder
		captured error
	)

	process := func(ev model.Event) {
		switch ev.Type {
		case model.EventToken:
			acc.WriteString(ev.Content)
			res.tokens++
			if onToken != nil && ev.Content != "" {
				onToken(ev.Content)
			}
		case model.EventDone:
			res.sawDone = true
			res.meta = model.Meta{FromGPU: ev.FromGPU, Offline: ev.Offline}
			if acc.Len() == 0 {
				acc.WriteString(ev.Content)
			}
		case model.EventError:
			msg := ev.Message
			if msg == "" {
				msg = "Streaming error"
			}
			if captured == nil {
				captured = errors.New(msg)
			}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	scanner.Split(splitRecords)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(raw, "data:") {
			continue
		}
		payload := strings.TrimLeft(strings.TrimPrefix(raw, "data:"), " \t")

		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			if captured == nil {
				captured = fmt.Errorf("invalid event record: %w", err)
			}
			continue
		}
		process(ev)
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}

	res.text = acc.String()
	return res, captured
}
