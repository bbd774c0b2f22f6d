package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/store"
)

// IdeaInput is the intake form for a new item.
type IdeaInput struct {
	Title                string
	Section              string
	Overview             string
	ProblemStatement     string
	Motivation           string
	SuccessCriteria      []string
	TechnicalConstraints []string
	ScopeIn              []string
	ScopeOut             []string
	PriorityHint         string
	UrgencyHint          string
	DependsOn            []string
	Campaign             string
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and collapses a title into a directory-safe slug.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = strings.Trim(s[:48], "-")
	}
	if s == "" {
		s = "item"
	}
	return s
}

// NextItemID allocates the next numeric id prefix from the existing item
// directories: 001-..., 002-..., gaps are not reused.
func NextItemID(s *store.Store, slug string) (string, error) {
	ids, err := s.ListItemIDs()
	if err != nil {
		return "", err
	}
	max := 0
	for _, id := range ids {
		if i := strings.IndexByte(id, '-'); i > 0 {
			if n, perr := strconv.Atoi(id[:i]); perr == nil && n > max {
				max = n
			}
		}
	}
	return fmt.Sprintf("%03d-%s", max+1, slug), nil
}

// CreateIdea accepts an idea into the store: allocates the id, writes
// item.json in state raw, and updates the index under its lock.
func CreateIdea(s *store.Store, in IdeaInput) (*store.Item, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("idea needs a title")
	}
	id, err := NextItemID(s, Slugify(in.Title))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	it := &store.Item{
		SchemaVersion:        store.SchemaVersion,
		ID:                   id,
		Title:                strings.TrimSpace(in.Title),
		Section:              in.Section,
		State:                store.StateRaw,
		Overview:             in.Overview,
		ProblemStatement:     in.ProblemStatement,
		Motivation:           in.Motivation,
		SuccessCriteria:      in.SuccessCriteria,
		TechnicalConstraints: in.TechnicalConstraints,
		ScopeIn:              in.ScopeIn,
		ScopeOut:             in.ScopeOut,
		PriorityHint:         in.PriorityHint,
		UrgencyHint:          in.UrgencyHint,
		DependsOn:            in.DependsOn,
		Campaign:             in.Campaign,
		CreatedAt:            now,
	}
	if err := s.WriteItem(id, it); err != nil {
		return nil, err
	}
	if _, err := s.RebuildIndex(); err != nil {
		return nil, err
	}
	return it, nil
}
