package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// LoadSources reads a JSON object mapping source names to address lists, e.g.
//
//	{"binance": ["5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9"], "coinbase": [...]}
//
// Sources are returned sorted by name so scans over the same file are
// reproducible.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes the LoadSources format.
func ParseSources(data []byte) ([]Source, error) {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	return SourcesFromMap(raw), nil
}

// SourcesFromMap converts a name-to-addresses map into sources sorted by name.
// Groups without addresses are dropped.
func SourcesFromMap(raw map[string][]string) []Source {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		if len(raw[name]) == 0 {
			continue
		}
		sources = append(sources, Source{Name: name, Accounts: raw[name]})
	}
	return sources
}

// SelectSources returns the named subset of sources, in the order given.
// An empty names list returns all sources.
func SelectSources(all []Source, names []string) ([]Source, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Source, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}
