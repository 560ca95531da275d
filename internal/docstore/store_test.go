package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func newTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "git/commit.prompt.md", "# Commit Message Rules\n\nWrite conventional commits.\n")
	writeFile(t, root, "react/component.prompt.md", "---\ndescription: React component guide\nkeywords: [jsx]\n---\n# Components\n\nUse hooks.\n")
	writeFile(t, root, "copilot-instructions.md", "# Project Instructions\nFollow TDD.\n")
	writeFile(t, root, "workspace/notes.txt", "scratch\n")
	writeFile(t, root, "node_modules/pkg/skip.prompt.md", "# ignored\n")
	writeFile(t, root, "docs/README.md", "# not a prompt\n")
	return root
}

func TestLoadSelectsPromptFiles(t *testing.T) {
	store := New(newTestTree(t))
	require.NoError(t, store.Load())

	var paths []string
	for _, d := range store.ListAll() {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{
		"copilot-instructions.md",
		"git/commit.prompt.md",
		"react/component.prompt.md",
		"workspace/notes.txt",
	}, paths)
}

func TestLoadMissingRoot(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, store.Load())
}

func TestNewDocumentMetadata(t *testing.T) {
	doc := NewDocument("git/commit.prompt.md", []byte("# Commit Message Rules\n\nWrite conventional commits with git.\n"))

	assert.Equal(t, "commit.prompt", doc.Name)
	assert.Equal(t, "git", doc.Category)
	assert.Equal(t, "Write conventional commits with git.", doc.Description)
	assert.Subset(t, doc.Keywords, []string{"commit.prompt", "git", "commit", "message", "rules"})
	assert.NotZero(t, doc.Hash)
	assert.Equal(t, "markdown://git/commit.prompt.md", doc.URI())
}

func TestNewDocumentFrontMatter(t *testing.T) {
	doc := NewDocument("component.prompt.md", []byte("---\ndescription: React component guide\ncategory: frontend\nkeywords: [jsx, props]\n---\n# Components\n"))

	assert.Equal(t, "React component guide", doc.Description)
	assert.Equal(t, "frontend", doc.Category)
	assert.Contains(t, doc.Keywords, "jsx")
	assert.Contains(t, doc.Keywords, "components")
}

func TestGetByName(t *testing.T) {
	store := New(newTestTree(t))
	require.NoError(t, store.Load())

	tests := []struct {
		name string
		want string
	}{
		{"commit.prompt", "git/commit.prompt.md"},
		{"commit.prompt.md", "git/commit.prompt.md"},
		{"react/component.prompt.md", "react/component.prompt.md"},
		{"copilot-instructions", "copilot-instructions.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := store.GetByName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Path)
		})
	}

	_, err := store.GetByName("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupRanksAndLimits(t *testing.T) {
	store := New(newTestTree(t))
	require.NoError(t, store.Load())

	results := store.Lookup("commit", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, "git/commit.prompt.md", results[0].Path)

	assert.Len(t, store.Lookup("e", 1), 1)
	assert.Empty(t, store.Lookup("   ", 5))
}

func TestWatchReloads(t *testing.T) {
	root := newTestTree(t)
	store := New(root)
	require.NoError(t, store.Load())
	before := store.Len()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// give the watcher time to register directories
	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "git/rebase.prompt.md", "# Rebase\n")

	assert.Eventually(t, func() bool { return store.Len() == before+1 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestOnChangeFiresOnlyOnChanges(t *testing.T) {
	root := newTestTree(t)
	store := New(root)
	calls := 0
	store.OnChange(func() { calls++ })

	require.NoError(t, store.Load())
	assert.Equal(t, 1, calls)

	require.NoError(t, store.Load())
	assert.Equal(t, 1, calls, "unchanged reload must not fire")

	writeFile(t, root, "git/commit.prompt.md", "# Commit Message Rules\n\nUpdated.\n")
	require.NoError(t, store.Load())
	assert.Equal(t, 2, calls)
}
