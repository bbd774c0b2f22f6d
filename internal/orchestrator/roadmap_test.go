package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wreckit/wreckit/internal/store"
)

const sampleRoadmap = `# Product roadmap

Intro text that is not part of any milestone.
- stray bullet before the first milestone

## M1: Storage foundations
1. Crash-safe artifact writes
2. Schema validation for items
- [ ] Index rebuild command

## Developer experience
* Colorized status output
`

func TestParseRoadmap(t *testing.T) {
	ms := ParseRoadmap(sampleRoadmap)
	require.Len(t, ms, 2)

	require.Equal(t, "M1", ms[0].ID)
	require.Equal(t, "Storage foundations", ms[0].Title)
	require.Equal(t, []string{
		"Crash-safe artifact writes",
		"Schema validation for items",
		"Index rebuild command",
	}, ms[0].Objectives)

	require.Equal(t, "developer-experience", ms[1].ID)
	require.Equal(t, []string{"Colorized status output"}, ms[1].Objectives)
}

func TestImportRoadmapChainsDependencies(t *testing.T) {
	s := store.New(t.TempDir())
	require.NoError(t, os.MkdirAll(s.ItemsDir(), 0o755))
	path := filepath.Join(s.Root, "ROADMAP.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoadmap), 0o644))

	created, err := ImportRoadmap(s, path)
	require.NoError(t, err)
	require.Len(t, created, 4)

	first := created[0]
	require.Equal(t, "M1", first.Campaign)
	require.Empty(t, first.DependsOn, "first objective of a milestone has no deps")

	second := created[1]
	require.Equal(t, []string{first.ID}, second.DependsOn)
	third := created[2]
	require.Equal(t, []string{second.ID}, third.DependsOn)

	fourth := created[3]
	require.Equal(t, "developer-experience", fourth.Campaign)
	require.Empty(t, fourth.DependsOn, "chains do not cross milestones")
}

func TestImportRoadmapIsWriteOnce(t *testing.T) {
	s := store.New(t.TempDir())
	require.NoError(t, os.MkdirAll(s.ItemsDir(), 0o755))
	path := filepath.Join(s.Root, "ROADMAP.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoadmap), 0o644))

	first, err := ImportRoadmap(s, path)
	require.NoError(t, err)
	require.Len(t, first, 4)

	again, err := ImportRoadmap(s, path)
	require.NoError(t, err)
	require.Empty(t, again, "re-import must not duplicate or rewrite items")
}
