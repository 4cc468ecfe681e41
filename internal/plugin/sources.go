// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"slices"

	"github.com/samber/oops"
)

// SourceType classifies where plugins come from.
type SourceType string

// Source types.
const (
	SourceOfficial  SourceType = "official"
	SourceCommunity SourceType = "community"
	SourceLocal     SourceType = "local"
)

// Source is a plugin origin.
type Source struct {
	ID   string     `json:"id" koanf:"id"`
	Name string     `json:"name" koanf:"name"`
	URL  string     `json:"url" koanf:"url"`
	Type SourceType `json:"type" koanf:"type"`
}

// OfficialSource is always present and cannot be removed.
var OfficialSource = Source{
	ID:   "official",
	Name: "Runixo Official",
	URL:  "https://plugins.runixo.dev/api/v1",
	Type: SourceOfficial,
}

// Sources returns the configured plugin sources.
func (l *Loader) Sources() []Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.sources)
}

// AddSource registers a new plugin source.
func (l *Loader) AddSource(s Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addSource(s)
}

func (l *Loader) addSource(s Source) error {
	if s.ID == "" || s.URL == "" {
		return oops.In("plugin").Code(CodeSource).Errorf("source requires id and url")
	}
	if s.Type == SourceOfficial {
		return oops.In("plugin").Code(CodeSource).With("source", s.ID).Errorf("only the built-in source may be official")
	}
	for _, existing := range l.sources {
		if existing.ID == s.ID {
			return oops.In("plugin").Code(CodeSource).With("source", s.ID).
				Wrapf(ErrSourceExists, "source %s already exists", s.ID)
		}
	}
	if s.Type == "" {
		s.Type = SourceCommunity
	}
	l.sources = append(l.sources, s)
	return nil
}

// RemoveSource removes a non-official plugin source.
func (l *Loader) RemoveSource(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := slices.IndexFunc(l.sources, func(s Source) bool { return s.ID == id })
	if idx < 0 {
		return oops.In("plugin").Code(CodeSource).With("source", id).
			Wrapf(ErrSourceNotFound, "source %s not found", id)
	}
	if l.sources[idx].Type == SourceOfficial {
		return oops.In("plugin").Code(CodeSource).With("source", id).
			Wrapf(ErrOfficialSource, "cannot remove source %s", id)
	}
	l.sources = slices.Delete(l.sources, idx, idx+1)
	return nil
}
