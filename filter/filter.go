package filter

import (
	"fmt"
	"strings"

	"inspire-scraper/models"

	"github.com/gobwas/glob"
)

// Selector decides which options of a dropdown are scraped.
// A pattern matches an option id exactly or its label as a case-insensitive glob.
type Selector struct {
	all      bool
	ids      map[string]bool
	patterns []glob.Glob
}

// NewSelector creates a new Selector instance. No patterns, "all" or "*" select everything.
func NewSelector(patterns []string) (*Selector, error) {
	s := &Selector{ids: map[string]bool{}}

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" || strings.EqualFold(p, "all") {
			s.all = true
			continue
		}

		s.ids[p] = true
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, g)
	}

	if len(s.ids) == 0 {
		s.all = true
	}
	return s, nil
}

// All reports whether every option is selected
func (s *Selector) All() bool {
	return s.all
}

// Match reports whether the option with id and label is selected
func (s *Selector) Match(id, label string) bool {
	if s.all || s.ids[id] {
		return true
	}
	label = strings.ToLower(strings.TrimSpace(label))
	for _, g := range s.patterns {
		if g.Match(label) {
			return true
		}
	}
	return false
}

// Apply returns the selected ids of options in label order
func (s *Selector) Apply(options models.OptionMap) []string {
	var selected []string
	for _, id := range options.IDs() {
		if s.Match(id, options[id]) {
			selected = append(selected, id)
		}
	}
	return selected
}
