package knowledge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type documentFrontmatter struct {
	ID       string         `yaml:"id"`
	Source   string         `yaml:"source"`
	Tags     []string       `yaml:"tags"`
	Metadata map[string]any `yaml:"metadata"`
}

// LoadDocumentsDir reads every .md and .txt file under root. Markdown files may
// start with a YAML frontmatter block carrying id, source, tags and metadata.
// Documents default to their slash-separated relative path as id and source.
func LoadDocumentsDir(root string) ([]Document, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("missing documents dir")
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".md", ".txt":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]Document, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		doc, err := parseDocumentFile(path, filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		if _, exists := seen[doc.ID]; exists {
			return nil, fmt.Errorf("duplicate document id: %s", doc.ID)
		}
		seen[doc.ID] = struct{}{}
		out = append(out, doc)
	}
	return out, nil
}

func parseDocumentFile(path string, rel string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	content := strings.ReplaceAll(string(raw), "\r\n", "\n")
	doc := Document{ID: rel, Source: rel, Content: content, Metadata: map[string]any{"path": rel}}

	fmRaw, body, ok := splitFrontmatter(content)
	if !ok {
		doc.Content = strings.TrimSpace(doc.Content)
		return doc, nil
	}
	var fm documentFrontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return Document{}, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
	}
	doc.Content = strings.TrimSpace(body)
	if id := strings.TrimSpace(fm.ID); id != "" {
		doc.ID = id
	}
	if src := strings.TrimSpace(fm.Source); src != "" {
		doc.Source = src
	}
	for k, v := range fm.Metadata {
		doc.Metadata[k] = v
	}
	if tags := normalizeStringList(fm.Tags); len(tags) > 0 {
		doc.Metadata["tags"] = tags
	}
	return doc, nil
}

func splitFrontmatter(content string) (string, string, bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content, false
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", content, false
	}
	return rest[:idx], rest[idx+len("\n---\n"):], true
}

func normalizeStringList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
