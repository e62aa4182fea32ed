// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/jeranaias/imagehive/internal/util"
)

// GalleryFile is the gallery document name inside the data directory.
const GalleryFile = "gallery.json"

var (
	// ErrEntryInvalid is returned when an entry lacks a title or prompt.
	ErrEntryInvalid = errors.New("Title and prompt JSON are required.")

	// ErrEntryNotFound is returned when deleting an unknown entry.
	ErrEntryNotFound = errors.New("gallery entry not found")
)

// Entry is one saved prompt, optionally with its rendered image.
type Entry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	PromptJSON   string    `json:"promptJson"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	SessionTitle string    `json:"sessionTitle,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Gallery is a JSON-file backed list of entries, newest first.
type Gallery struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// OpenGallery returns the gallery stored in dataDir. The file is created on
// first write.
func OpenGallery(dataDir string) *Gallery {
	return &Gallery{
		path: filepath.Join(dataDir, GalleryFile),
		now:  time.Now,
	}
}

// List returns all entries, newest first.
func (g *Gallery) List() ([]Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load()
}

// Add validates e, assigns its id and timestamp, and prepends it.
func (g *Gallery) Add(e Entry) (Entry, error) {
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" || strings.TrimSpace(e.PromptJSON) == "" {
		return Entry{}, ErrEntryInvalid
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := g.load()
	if err != nil {
		return Entry{}, err
	}

	now := g.now().UTC()
	ms := now.UnixMilli()
	taken := lo.SliceToMap(entries, func(e Entry) (string, struct{}) { return e.ID, struct{}{} })
	for {
		e.ID = fmt.Sprintf("entry-%d", ms)
		if _, dup := taken[e.ID]; !dup {
			break
		}
		ms++
	}
	e.CreatedAt = now

	entries = append([]Entry{e}, entries...)
	if err := util.WriteJSONFile(g.path, entries, 0644); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Delete removes the entry with the given id.
func (g *Gallery) Delete(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := g.load()
	if err != nil {
		return err
	}
	kept := lo.Reject(entries, func(e Entry, _ int) bool { return e.ID == id })
	if len(kept) == len(entries) {
		return ErrEntryNotFound
	}
	return util.WriteJSONFile(g.path, kept, 0644)
}

func (g *Gallery) load() ([]Entry, error) {
	var entries []Entry
	if _, err := util.ReadJSONFile(g.path, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
