package llm

import (
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"text/template"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

//go:embed prompts/*.tmpl
var builtinPrompts embed.FS

// criteriaPartial lists the persona criteria the classifier matched. Every
// persona template includes it.
const criteriaPartial = `{{define "criteria"}}
{{if .MatchedCriteria}}
Why this persona was assigned:
{{range .MatchedCriteria}}- {{.Criterion}} (observed {{.Value}})
{{end}}{{end}}{{end}}`

var templateFuncs = template.FuncMap{
	"pct":   func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	"deref": func(v *int) int { return *v },
}

// BuiltinTemplates returns the prompt templates compiled into the binary.
func BuiltinTemplates() fs.FS {
	sub, err := fs.Sub(builtinPrompts, "prompts")
	if err != nil {
		panic(err)
	}
	return sub
}

// TemplateCache is a read-through cache of parsed persona prompt templates.
// Entries expire after ttl so edits to an override directory are picked up
// without a restart; at most maxEntries templates are held, least recently
// used evicted first.
type TemplateCache struct {
	fsys fs.FS
	lru  *expirable.LRU[string, *template.Template]

	// mu serializes loads so concurrent misses parse a template once.
	mu    sync.Mutex
	loads int
}

func NewTemplateCache(fsys fs.FS, ttl time.Duration, maxEntries int) *TemplateCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &TemplateCache{
		fsys: fsys,
		lru:  expirable.NewLRU[string, *template.Template](maxEntries, nil, ttl),
	}
}

// Get returns the parsed template for persona, loading it on a miss or
// after expiry.
func (c *TemplateCache) Get(persona string) (*template.Template, error) {
	if tmpl, ok := c.lru.Get(persona); ok {
		return tmpl, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tmpl, ok := c.lru.Get(persona); ok {
		return tmpl, nil
	}

	tmpl, err := c.load(persona)
	if err != nil {
		return nil, err
	}
	c.loads++
	c.lru.Add(persona, tmpl)
	return tmpl, nil
}

// Invalidate drops every cached template.
func (c *TemplateCache) Invalidate() {
	c.lru.Purge()
}

// Len returns the number of cached templates.
func (c *TemplateCache) Len() int {
	return c.lru.Len()
}

// Loads returns how many times a template was read and parsed.
func (c *TemplateCache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func (c *TemplateCache) load(persona string) (*template.Template, error) {
	data, err := fs.ReadFile(c.fsys, persona+".tmpl")
	if err != nil {
		return nil, fmt.Errorf("loading prompt for persona %q: %w", persona, err)
	}
	tmpl, err := template.New(persona).Funcs(templateFuncs).Parse(criteriaPartial)
	if err != nil {
		return nil, fmt.Errorf("parsing shared prompt partial: %w", err)
	}
	if _, err := tmpl.Parse(string(data)); err != nil {
		return nil, fmt.Errorf("parsing prompt for persona %q: %w", persona, err)
	}
	return tmpl, nil
}
