// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/imagehive/internal/model"
)

// JSONExporter writes the transcript as indented JSON, the same shape the
// chat API accepts for its messages field.
type JSONExporter struct{}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{}
}

// Export converts a transcript to JSON.
func (e *JSONExporter) Export(t *model.Transcript) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("transcript is nil")
	}
	if t.Len() == 0 {
		return nil, ErrEmptyTranscript
	}
	return json.MarshalIndent(struct {
		ID        string          `json:"id"`
		Title     string          `json:"title"`
		CreatedAt time.Time       `json:"createdAt"`
		Messages  []model.Message `json:"messages"`
	}{t.ID, t.Title, t.CreatedAt, t.Snapshot()}, "", "  ")
}

// FileExtension returns ".json".
func (e *JSONExporter) FileExtension() string {
	return ".json"
}
