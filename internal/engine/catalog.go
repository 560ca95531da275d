package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DIO0550/instructions/internal/jsonrpc"
)

const allResourcesURI = "markdown://all"

type promptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

type promptDefinition struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description"`
	Arguments   []promptArgument `json:"arguments"`
}

func promptDefinitions() []promptDefinition {
	return []promptDefinition{{
		Name:        "get_markdown_prompt",
		Title:       "Get Markdown Prompt",
		Description: "Returns the content of the named markdown file as a user message.",
		Arguments: []promptArgument{{
			Name:        "filename",
			Description: "markdown file name, with or without the .md extension",
			Required:    true,
		}},
	}}
}

func (e *Engine) getPrompt(raw json.RawMessage) (any, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name != "get_markdown_prompt" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Unknown prompt: "+params.Name)
	}

	filename := params.Arguments["filename"]
	doc, err := e.docs.GetByName(filename)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Prompt file not found: "+filename)
	}
	return map[string]any{
		"description": doc.Description,
		"messages": []map[string]any{{
			"role":    "user",
			"content": map[string]string{"type": "text", "text": doc.Content},
		}},
	}, nil
}

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

func (e *Engine) listResources() map[string]any {
	docs := e.docs.ListAll()
	resources := make([]resourceDescriptor, 0, len(docs)+1)
	resources = append(resources, resourceDescriptor{
		URI:         allResourcesURI,
		Name:        "All Markdown Files",
		Description: "Every markdown prompt with its content",
		MimeType:    "application/json",
	})
	for _, d := range docs {
		resources = append(resources, resourceDescriptor{
			URI:         d.URI(),
			Name:        d.Path,
			Description: d.Description,
			MimeType:    "text/markdown",
		})
	}
	return map[string]any{"resources": resources}
}

type resourceEntry struct {
	File    string `json:"file"`
	Content string `json:"content"`
	URI     string `json:"uri"`
}

func (e *Engine) readResource(raw json.RawMessage) (any, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	if params.URI == allResourcesURI {
		docs := e.docs.ListAll()
		entries := make([]resourceEntry, len(docs))
		for i, d := range docs {
			entries[i] = resourceEntry{File: d.Path, Content: d.Content, URI: d.URI()}
		}
		text, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, err
		}
		return contents(params.URI, "application/json", string(text)), nil
	}

	name, ok := strings.CutPrefix(params.URI, "markdown://")
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("Unknown resource: %s", params.URI))
	}
	doc, err := e.docs.GetByName(name)
	if err != nil || doc.Path != name {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, fmt.Sprintf("Resource not found: %s", params.URI))
	}
	return contents(params.URI, "text/markdown", doc.Content), nil
}

func contents(uri, mimeType, text string) map[string]any {
	return map[string]any{
		"contents": []map[string]string{{"uri": uri, "mimeType": mimeType, "text": text}},
	}
}

// ResourcesChanged tells the bound client that the resource list changed.
func (e *Engine) ResourcesChanged(ctx context.Context) error {
	return e.Notify(ctx, "notifications/resources/list_changed", nil)
}
