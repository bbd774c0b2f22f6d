package orchestrator

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/wreckit/wreckit/internal/store"
	"github.com/wreckit/wreckit/internal/workflow"
)

// Milestone is one "## heading" section of a ROADMAP.md with its ordered
// objectives.
type Milestone struct {
	ID         string
	Title      string
	Objectives []string
}

var (
	milestoneRe = regexp.MustCompile(`^##\s+(?:([A-Za-z0-9_.-]+)\s*:\s*)?(.+?)\s*$`)
	objectiveRe = regexp.MustCompile(`^\s*(?:[-*]\s*(?:\[[ xX]\]\s*)?|\d+[.)]\s+)(.+?)\s*$`)
)

// ParseRoadmap reads ROADMAP markdown. Each `## id: title` (or plain
// `## title`) opens a milestone; list entries under it are objectives, in
// order. Text outside any milestone is ignored.
func ParseRoadmap(content string) []Milestone {
	var out []Milestone
	var cur *Milestone
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if m := milestoneRe.FindStringSubmatch(line); m != nil {
			if cur != nil && len(cur.Objectives) > 0 {
				out = append(out, *cur)
			}
			id := m[1]
			if id == "" {
				id = workflow.Slugify(m[2])
			}
			cur = &Milestone{ID: id, Title: m[2]}
			continue
		}
		if cur == nil {
			continue
		}
		if m := objectiveRe.FindStringSubmatch(line); m != nil {
			cur.Objectives = append(cur.Objectives, m[1])
		}
	}
	if cur != nil && len(cur.Objectives) > 0 {
		out = append(out, *cur)
	}
	return out
}

// ImportRoadmap creates one raw item per objective. Within a milestone,
// objective k depends on objective k-1, so the scheduler walks them in
// order. Objectives whose title already exists under the same campaign are
// left alone; depends_on is set at creation and never rewritten.
func ImportRoadmap(s *store.Store, path string) ([]*store.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	milestones := ParseRoadmap(string(raw))
	if len(milestones) == 0 {
		return nil, fmt.Errorf("%s contains no milestones", path)
	}

	existing, err := existingByCampaign(s)
	if err != nil {
		return nil, err
	}

	var created []*store.Item
	for _, ms := range milestones {
		prevID := ""
		for _, obj := range ms.Objectives {
			key := ms.ID + "\x00" + strings.TrimSpace(obj)
			if id, ok := existing[key]; ok {
				prevID = id
				continue
			}
			var deps []string
			if prevID != "" {
				deps = []string{prevID}
			}
			it, cerr := workflow.CreateIdea(s, workflow.IdeaInput{
				Title:     obj,
				Overview:  fmt.Sprintf("Objective of milestone %s (%s).", ms.ID, ms.Title),
				Campaign:  ms.ID,
				DependsOn: deps,
			})
			if cerr != nil {
				return created, cerr
			}
			created = append(created, it)
			existing[key] = it.ID
			prevID = it.ID
		}
	}
	return created, nil
}

func existingByCampaign(s *store.Store) (map[string]string, error) {
	ids, err := s.ListItemIDs()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, id := range ids {
		it, rerr := s.ReadItem(id)
		if rerr != nil {
			continue
		}
		if it.Campaign != "" {
			out[it.Campaign+"\x00"+strings.TrimSpace(it.Title)] = it.ID
		}
	}
	return out, nil
}
