package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Vars holds the substitutions for one render.
type Vars map[string]string

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)
	condOpenRe    = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_]\w*)\s*\}\}`)
)

const condClose = "{{/if}}"

// Render expands {{name}} placeholders and resolves {{#if name}}...{{/if}}
// sections. A section survives only when its variable is set to a
// non-empty value, and placeholders inside a dropped section are never
// required. Substituted values are inserted literally, never re-expanded.
// Any placeholder left without a value fails the render with every
// missing name listed.
func Render(tmpl string, vars Vars) (string, error) {
	text, err := resolveSections(tmpl, vars)
	if err != nil {
		return "", err
	}

	missing := map[string]bool{}
	text = placeholderRe.ReplaceAllStringFunc(text, func(tag string) string {
		name := placeholderRe.FindStringSubmatch(tag)[1]
		val, ok := vars[name]
		if !ok {
			missing[name] = true
			return tag
		}
		return val
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return text, nil
}

// resolveSections rewrites conditional sections until none remain. Each
// pass collapses the section whose close tag comes first, paired with
// the nearest open tag before it, so an innermost pair always resolves
// before the pair that wraps it and nesting works without a real parser.
func resolveSections(tmpl string, vars Vars) (string, error) {
	text := tmpl
	for {
		end := strings.Index(text, condClose)
		if end < 0 {
			break
		}
		opens := condOpenRe.FindAllStringSubmatchIndex(text[:end], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("dangling %s without an opening tag", condClose)
		}
		open := opens[len(opens)-1]
		body := ""
		if name := text[open[2]:open[3]]; vars[name] != "" {
			body = text[open[1]:end]
		}
		text = text[:open[0]] + body + text[end+len(condClose):]
	}
	if tag := condOpenRe.FindString(text); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return text, nil
}

// TemplatesDir returns the workspace override directory for prompt
// templates.
func TemplatesDir(root string) string {
	return filepath.Join(root, ".orchestra", "templates")
}

// LoadTemplate returns the named prompt template. A file of the same
// name under .orchestra/templates/ overrides the built-in, so operators
// can tune prompts per workspace.
func LoadTemplate(name, root string) (string, error) {
	if root != "" {
		dir := TemplatesDir(root)
		path := filepath.Join(dir, name)
		if inside, err := withinDir(dir, path); err == nil && !inside {
			return "", fmt.Errorf("template name %q escapes the templates directory", name)
		}
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	content, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	return content, nil
}

// withinDir reports whether path resolves to dir or somewhere under it.
func withinDir(dir, path string) (bool, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false, err
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// InstallBuiltinTemplates seeds the override directory with the
// built-in templates, leaving any tuned copies alone.
func InstallBuiltinTemplates(root string) error {
	dir := TemplatesDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}
