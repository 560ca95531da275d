package docstore

import (
	"bytes"
	"path"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Document is one markdown file served by the store.
type Document struct {
	// Path is relative to the store root and always uses forward slashes.
	Path        string   `json:"file"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Content     string   `json:"content"`
	Hash        uint64   `json:"-"`
}

// URI returns the resource URI of the document.
func (d Document) URI() string {
	return "markdown://" + d.Path
}

type frontMatter struct {
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Keywords    []string `yaml:"keywords"`
}

var (
	techTerms = regexp.MustCompile(`(?i)\b(react|typescript|javascript|git|npm|yarn|vite|next\.js|component|hook|test|tdd|refactor|commit)\b`)
	headingMD = goldmark.New()
)

// NewDocument derives the metadata of the file at rel from its content.
func NewDocument(rel string, content []byte) Document {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	body, fm := splitFrontMatter(content)

	category := path.Base(path.Dir(rel))
	if category == "." || category == "/" || category == "" {
		category = "general"
	}
	if fm.Category != "" {
		category = fm.Category
	}
	name := strings.TrimSuffix(path.Base(rel), ".md")

	keywords := []string{name, category}
	for _, heading := range headings(body) {
		keywords = append(keywords, strings.Fields(strings.ToLower(heading))...)
	}
	for _, term := range techTerms.FindAllString(string(body), -1) {
		keywords = append(keywords, strings.ToLower(term))
	}
	keywords = append(keywords, fm.Keywords...)

	description := fm.Description
	if description == "" {
		description = firstParagraphLine(body)
	}
	if description == "" {
		description = name
	}

	return Document{
		Path:        rel,
		Name:        name,
		Category:    category,
		Description: description,
		Keywords:    dedupe(keywords),
		Content:     string(content),
		Hash:        xxhash.Sum64(content),
	}
}

// splitFrontMatter strips a leading YAML block delimited by "---" lines.
// Malformed front matter is treated as regular content.
func splitFrontMatter(content []byte) ([]byte, frontMatter) {
	var fm frontMatter
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return normalized, fm
	}
	rest := normalized[len("---\n"):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return normalized, fm
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return normalized, frontMatter{}
	}
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return body, fm
}

func headings(src []byte) []string {
	doc := headingMD.Parser().Parse(text.NewReader(src))

	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var buf bytes.Buffer
			collectText(&buf, h, src)
			if s := strings.TrimSpace(buf.String()); s != "" {
				out = append(out, s)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}

func collectText(buf *bytes.Buffer, n ast.Node, src []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		collectText(buf, c, src)
	}
}

func firstParagraphLine(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

func dedupe(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
