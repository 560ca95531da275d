package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DIO0550/instructions/internal/docstore"
	"github.com/DIO0550/instructions/internal/jsonrpc"
)

const workflowFile = "implementation-workflow.prompt.md"

type toolDefinition struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolHandler func(e *Engine, args json.RawMessage) (string, error)

type tool struct {
	def     toolDefinition
	handler toolHandler
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

var tools = []tool{
	{
		def: toolDefinition{
			Name:        "get_implementation_workflow",
			Title:       "Get Implementation Workflow",
			Description: "Returns the implementation and git workflow guideline (" + workflowFile + ").",
			InputSchema: objectSchema(map[string]any{}),
		},
		handler: func(e *Engine, _ json.RawMessage) (string, error) {
			doc, err := e.docs.GetByName(workflowFile)
			if err != nil {
				return "", fmt.Errorf("Implementation workflow file not found: %s", workflowFile)
			}
			return doc.Content, nil
		},
	},
	{
		def: toolDefinition{
			Name:        "get_prompt",
			Title:       "Get Prompt",
			Description: "Returns the content of the named markdown file.",
			InputSchema: objectSchema(map[string]any{
				"filename": stringProp("markdown file name, with or without the .md extension"),
			}, "filename"),
		},
		handler: func(e *Engine, raw json.RawMessage) (string, error) {
			var args struct {
				Filename string `json:"filename"`
			}
			if err := decodeParams(raw, &args); err != nil {
				return "", err
			}
			doc, err := e.docs.GetByName(args.Filename)
			if err != nil {
				return "", fmt.Errorf("Prompt file not found: %s", args.Filename)
			}
			return doc.Content, nil
		},
	},
	{
		def: toolDefinition{
			Name:        "list_prompts",
			Title:       "List Prompts",
			Description: "Lists the available markdown prompts.",
			InputSchema: objectSchema(map[string]any{}),
		},
		handler: func(e *Engine, _ json.RawMessage) (string, error) {
			var b strings.Builder
			b.WriteString("Available markdown prompts:\n")
			for i, d := range e.docs.ListAll() {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "- %s (%s): %s", d.Path, d.Category, d.Description)
			}
			return b.String(), nil
		},
	},
	{
		def: toolDefinition{
			Name:        "search_prompts",
			Title:       "Search Prompts",
			Description: "Searches prompts by keyword and returns the matching files.",
			InputSchema: objectSchema(map[string]any{
				"query": stringProp("search keyword (technology, category, feature name)"),
				"limit": map[string]any{"type": "number", "description": "maximum number of results (default 5)"},
			}, "query"),
		},
		handler: func(e *Engine, raw json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeParams(raw, &args); err != nil {
				return "", err
			}
			results := e.docs.Lookup(args.Query, args.Limit)
			if len(results) == 0 {
				return fmt.Sprintf("No prompts found for query: %q", args.Query), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Found %d prompts for %q:\n\n", len(results), args.Query)
			for i, d := range results {
				fmt.Fprintf(&b, "%d. **%s** (%s)\n   %s\n   Keywords: %s\n\n", i+1, d.Path, d.Category, d.Description, strings.Join(d.Keywords, ", "))
			}
			return b.String(), nil
		},
	},
	{
		def: toolDefinition{
			Name:        "get_relevant_prompts",
			Title:       "Get Relevant Prompts",
			Description: "Picks the prompts relevant to the described working context.",
			InputSchema: objectSchema(map[string]any{
				"context": stringProp("current working context (stack, task, problems)"),
			}, "context"),
		},
		handler: func(e *Engine, raw json.RawMessage) (string, error) {
			var args struct {
				Context string `json:"context"`
			}
			if err := decodeParams(raw, &args); err != nil {
				return "", err
			}
			docs := relevant(e.docs, args.Context)
			if len(docs) == 0 {
				return "No relevant prompts found for the given context.", nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Found %d relevant prompts:\n\n", len(docs))
			for i, d := range docs {
				fmt.Fprintf(&b, "## %d. %s (%s)\n\n%s\n\n---\n\n", i+1, d.Path, d.Category, d.Content)
			}
			return b.String(), nil
		},
	},
	{
		def: toolDefinition{
			Name:        "auto_get_prompt",
			Title:       "Auto Get Prompt",
			Description: "Finds the best prompt for a task description and lists alternatives.",
			InputSchema: objectSchema(map[string]any{
				"task_description": stringProp("the task to perform"),
				"technology_stack": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "technologies in use",
				},
			}, "task_description"),
		},
		handler: func(e *Engine, raw json.RawMessage) (string, error) {
			var args struct {
				TaskDescription string   `json:"task_description"`
				TechnologyStack []string `json:"technology_stack"`
			}
			if err := decodeParams(raw, &args); err != nil {
				return "", err
			}
			query := strings.TrimSpace(args.TaskDescription + " " + strings.Join(args.TechnologyStack, " "))
			docs := uniqueByPath(append(relevant(e.docs, query), e.docs.Lookup(query, 3)...), 3)
			if len(docs) == 0 {
				return fmt.Sprintf("No suitable prompts found for task: %q", args.TaskDescription), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "**Recommended prompt for %q:**\n\n", args.TaskDescription)
			fmt.Fprintf(&b, "## %s (%s)\n\n%s\n\n", docs[0].Path, docs[0].Category, docs[0].Content)
			if len(docs) > 1 {
				b.WriteString("**Alternative prompts:**\n")
				for i, d := range docs[1:] {
					fmt.Fprintf(&b, "%d. %s (%s): %s\n", i+1, d.Path, d.Category, d.Description)
				}
			}
			return b.String(), nil
		},
	},
	{
		def: toolDefinition{
			Name:        "list_code_review_prompts",
			Title:       "List Code Review Prompts",
			Description: "Lists the prompts of the code-review category.",
			InputSchema: objectSchema(map[string]any{}),
		},
		handler: func(e *Engine, _ json.RawMessage) (string, error) {
			var lines []string
			for _, d := range e.docs.ListAll() {
				if d.Category == "code-review" {
					lines = append(lines, fmt.Sprintf("- %s: %s", d.Path, d.Description))
				}
			}
			if len(lines) == 0 {
				return "No code-review prompts found.", nil
			}
			return strings.Join(lines, "\n"), nil
		},
	},
	{
		def: toolDefinition{
			Name:        "get_code_review_prompt",
			Title:       "Get Code Review Prompt",
			Description: "Returns a prompt of the code-review category.",
			InputSchema: objectSchema(map[string]any{
				"filename": stringProp("file name below code-review, with or without .md"),
			}, "filename"),
		},
		handler: func(e *Engine, raw json.RawMessage) (string, error) {
			var args struct {
				Filename string `json:"filename"`
			}
			if err := decodeParams(raw, &args); err != nil {
				return "", err
			}
			name := args.Filename
			if !strings.HasSuffix(name, ".md") {
				name += ".md"
			}
			doc, err := e.docs.GetByName("code-review/" + name)
			if err != nil {
				doc, err = e.docs.GetByName(name)
			}
			if err != nil {
				return "", fmt.Errorf("Code review prompt not found: %s", args.Filename)
			}
			if doc.Category != "code-review" {
				return "", fmt.Errorf("Not a code-review prompt: %s", doc.Path)
			}
			return doc.Content, nil
		},
	},
}

func toolDefinitions() []toolDefinition {
	defs := make([]toolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// callTool runs a tool. Tool failures are reported as an isError result so
// the client sees them as tool output rather than a protocol error.
func (e *Engine) callTool(_ context.Context, raw json.RawMessage) (any, error) {
	var params callToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	for _, t := range tools {
		if t.def.Name != params.Name {
			continue
		}
		text, err := t.handler(e, args)
		if err != nil {
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				return nil, rpcErr
			}
			return map[string]any{"content": textContent(err.Error()), "isError": true}, nil
		}
		return map[string]any{"content": textContent(text)}, nil
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Unknown tool: "+params.Name)
}

func uniqueByPath(docs []docstore.Document, limit int) []docstore.Document {
	seen := make(map[string]bool, len(docs))
	out := make([]docstore.Document, 0, len(docs))
	for _, d := range docs {
		if seen[d.Path] {
			continue
		}
		seen[d.Path] = true
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
