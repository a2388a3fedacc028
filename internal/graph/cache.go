package graph

import (
	"sync"

	"github.com/mattjoyce/quill/internal/template"
)

// Cache memoizes built graphs by template identity.
type Cache struct {
	mu     sync.Mutex
	graphs map[string]*Graph
}

func NewCache() *Cache {
	return &Cache{graphs: make(map[string]*Graph)}
}

// Get returns the cached graph for tmpl, building it on first use. Build
// errors are not cached.
func (c *Cache) Get(tmpl *template.Template) (*Graph, error) {
	key := tmpl.Key()

	c.mu.Lock()
	g, ok := c.graphs[key]
	c.mu.Unlock()
	if ok {
		return g, nil
	}

	g, err := Build(tmpl)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.graphs[key]; ok {
		return existing, nil
	}
	c.graphs[key] = g
	return g, nil
}

// Len returns the number of cached graphs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.graphs)
}
