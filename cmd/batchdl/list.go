package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"batchdl/internal/service"
)

// ListEntry is one line of a YAML download list.
type ListEntry struct {
	Link string `yaml:"link"`
	Name string `yaml:"name,omitempty"`
}

// readList parses a YAML sequence of entries into item requests.
func readList(path string) ([]service.ItemRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	var entries []ListEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse list %s: %w", path, err)
	}
	items := make([]service.ItemRequest, 0, len(entries))
	for i, entry := range entries {
		link := strings.TrimSpace(entry.Link)
		if link == "" {
			return nil, fmt.Errorf("missing link for entry %d", i+1)
		}
		items = append(items, service.ItemRequest{URL: link, Filename: entry.Name})
	}
	return items, nil
}
