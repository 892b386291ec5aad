package api

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/cobehq/cobe/pkg/registry"
)

//go:embed docs/*.md
var docsFS embed.FS

type docsGetParams struct {
	Name string `json:"name" validate:"required"`
}

// DocEntry is one docs.list item.
type DocEntry struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (s *Server) registerDocsMethods() {
	s.registry.Register("docs.list", s.handleDocsList, registry.HandlerConfig{
		Cache: s.readCache(),
	})
	s.registry.Register("docs.get", s.handleDocsGet, registry.HandlerConfig{
		Cache: s.readCache("name"),
	})
}

func (s *Server) handleDocsList(_ context.Context, _ *registry.Call) (any, error) {
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return nil, err
	}
	docs := make([]DocEntry, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".md")
		blob, err := docsFS.ReadFile("docs/" + e.Name())
		if err != nil {
			return nil, err
		}
		docs = append(docs, DocEntry{Name: name, Title: docTitle(string(blob), name)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return map[string]any{"docs": docs}, nil
}

func (s *Server) handleDocsGet(_ context.Context, call *registry.Call) (any, error) {
	var p docsGetParams
	if err := s.registry.DecodeParams(call.Params, &p); err != nil {
		return nil, err
	}
	if strings.Contains(p.Name, "/") || strings.Contains(p.Name, "..") {
		return nil, registry.InvalidParams("invalid doc name")
	}
	blob, err := docsFS.ReadFile("docs/" + p.Name + ".md")
	if err != nil {
		return nil, registry.ValidationError(fmt.Sprintf("doc not found: %s", p.Name))
	}
	return map[string]any{"name": p.Name, "content": string(blob)}, nil
}

// docTitle pulls the first "# " heading, falling back to the file name.
func docTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return fallback
}
