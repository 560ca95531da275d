package engine

import (
	"regexp"

	"github.com/DIO0550/instructions/internal/docstore"
)

const maxRelevant = 3

// topic maps a context pattern to the lookups it triggers. Go's \b only knows
// ASCII word boundaries, so the Japanese terms are matched without one.
type topic struct {
	pattern *regexp.Regexp
	queries []string
}

var topics = []topic{
	{regexp.MustCompile(`(?i)\b(react|component|jsx|hook|state|props)\b`), []string{"react"}},
	{regexp.MustCompile(`(?i)\b(typescript|ts|type|interface)\b`), []string{"typescript"}},
	{regexp.MustCompile(`(?i)\b(test|testing|tdd|vitest|jest|t-wada)\b`), []string{"test"}},
	{regexp.MustCompile(`(?i)\b(git|commit|branch|merge|pr|pull request)\b`), []string{"commit"}},
	{regexp.MustCompile(`(?i)\b(implement|implementation|develop|code|function)\b`), []string{"implementation"}},
	{regexp.MustCompile(`(?i)\b(refactor|refactoring|duplicate|similarity|tidy|cleanup|clean code)\b`), []string{"similarity", "tidy", "refactor"}},
	{
		regexp.MustCompile(`(?i)\b(review|code.?review|comment|magic.?number|naming)\b|レビュー|コードレビュー|コメント|命名`),
		[]string{"code-review", "コードレビュー", "review", "comment", "magic", "naming"},
	},
}

// relevant returns up to three documents matching the topics detected in
// context, in topic order.
func relevant(docs docstore.Service, context string) []docstore.Document {
	var found []docstore.Document
	for _, t := range topics {
		if !t.pattern.MatchString(context) {
			continue
		}
		for _, q := range t.queries {
			found = append(found, docs.Lookup(q, docstore.DefaultLookupLimit)...)
		}
	}
	return uniqueByPath(found, maxRelevant)
}
