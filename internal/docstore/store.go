// Package docstore loads markdown prompt files from disk and answers
// read-only queries about them. All query methods are safe for concurrent use.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/DIO0550/instructions/internal/logger"
)

// ErrNotFound is returned when no document matches a name.
var ErrNotFound = errors.New("document not found")

// DefaultLookupLimit is used when Lookup is called with a non-positive limit.
const DefaultLookupLimit = 5

// Service is the read-only document API the protocol engine depends on.
type Service interface {
	Lookup(query string, limit int) []Document
	GetByName(name string) (Document, error)
	ListAll() []Document
}

var ignoredDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"McpServer":    true,
	".git":         true,
}

var _ Service = (*Store)(nil)

// Store is an in-memory snapshot of the markdown files below a root directory.
type Store struct {
	root string
	log  *logger.Logger

	mu       sync.RWMutex
	docs     []Document
	onChange []func()
}

// New creates an empty store rooted at root. Call Load to populate it.
func New(root string) *Store {
	return &Store{
		root: root,
		log:  logger.Global().WithPrefix("docstore"),
	}
}

// NewFromDocuments creates a store holding docs, without a backing directory.
func NewFromDocuments(docs ...Document) *Store {
	s := New("")
	s.swap(docs)
	return s
}

// Root returns the directory the store reads from.
func (s *Store) Root() string {
	return s.root
}

// Load walks the root directory and replaces the current snapshot.
func (s *Store) Load() error {
	docs, err := scan(s.root)
	if err != nil {
		return err
	}
	changed := s.swap(docs)
	s.log.Info("Loaded %d markdown files with metadata (%d changed)", len(docs), changed)
	if changed > 0 {
		s.mu.RLock()
		hooks := append([]func(){}, s.onChange...)
		s.mu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
	}
	return nil
}

// OnChange registers fn to run after a Load that changed at least one
// document.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) swap(docs []Document) int {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := make(map[string]uint64, len(s.docs))
	for _, d := range s.docs {
		previous[d.Path] = d.Hash
	}
	changed := 0
	for _, d := range docs {
		if h, ok := previous[d.Path]; !ok || h != d.Hash {
			changed++
		}
		delete(previous, d.Path)
	}
	// whatever is left was removed
	changed += len(previous)
	s.docs = docs
	return changed
}

func scan(root string) ([]Document, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("prompts directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts directory %s is not a directory", root)
	}

	var docs []Document
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !wanted(rel) {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		docs = append(docs, NewDocument(rel, content))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return docs, nil
}

func wanted(rel string) bool {
	base := path.Base(rel)
	switch {
	case strings.HasSuffix(base, ".prompt.md"):
		return true
	case strings.HasSuffix(base, "instructions.md"):
		return true
	case strings.HasPrefix(rel, "workspace/"):
		return true
	}
	return false
}

// ListAll returns every document ordered by path.
func (s *Store) ListAll() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Document(nil), s.docs...)
}

// Len returns the number of loaded documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// GetByName finds a document by file name. ".md" is appended when missing and
// the name matches either the full relative path or a trailing path segment.
func (s *Store) GetByName(name string) (Document, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "../")
	if name == "" {
		return Document{}, ErrNotFound
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.Path == name || strings.HasSuffix(d.Path, "/"+name) {
			return d, nil
		}
	}
	return Document{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Lookup ranks documents against query and returns at most limit of them.
func (s *Store) Lookup(query string, limit int) []Document {
	if limit <= 0 {
		limit = DefaultLookupLimit
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	type scored struct {
		doc   Document
		score int
	}

	s.mu.RLock()
	results := make([]scored, 0, len(s.docs))
	for _, d := range s.docs {
		if score := Score(d, q); score > 0 {
			results = append(results, scored{doc: d, score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > limit {
		results = results[:limit]
	}

	out := make([]Document, len(results))
	for i, r := range results {
		out[i] = r.doc
	}
	return out
}

// Score is the additive relevance of d for a lower-cased query.
func Score(d Document, q string) int {
	score := 0
	if strings.Contains(strings.ToLower(d.Path), q) {
		score += 10
	}
	if strings.Contains(strings.ToLower(d.Category), q) {
		score += 8
	}
	for _, k := range d.Keywords {
		k = strings.ToLower(k)
		if strings.Contains(k, q) || strings.Contains(q, k) {
			score += 5
		}
	}
	if strings.Contains(strings.ToLower(d.Description), q) {
		score += 3
	}
	if strings.Contains(strings.ToLower(d.Content), q) {
		score++
	}
	return score
}

// Watch reloads the store whenever files below the root change. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := s.addWatches(watcher); err != nil {
		return err
	}

	const debounce = 200 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !ignoredDirs[info.Name()] {
					_ = watcher.Add(ev.Name)
				}
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("file watcher error: %v", err)
		case <-timer.C:
			if err := s.Load(); err != nil {
				s.log.Error("reload failed: %v", err)
			}
		}
	}
}

func (s *Store) addWatches(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != s.root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
