package models

import (
	"io"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrModelNotFound = errors.New("model not found")

// Catalog resolves model identifiers and display names to records.
//
// Its contents are fixed at construction; there is no mutation API, so a
// catalog can be shared between goroutines without locking.
type Catalog struct {
	records []Record
	byID    map[string]Record
	byName  map[string]Record
}

// NewCatalog builds a catalog. When two records share an id (or a name), the
// later one wins.
func NewCatalog(records ...Record) *Catalog {
	c := &Catalog{
		records: make([]Record, 0, len(records)),
		byID:    make(map[string]Record, len(records)),
		byName:  make(map[string]Record, len(records)),
	}
	for _, r := range records {
		r.unknown = false
		c.records = append(c.records, r)
		c.byID[r.ID] = r
		if r.Name != "" {
			c.byName[r.Name] = r
		}
	}
	return c
}

// Resolve looks idOrName up by id first, then by display name, and falls
// back to the Unknown sentinel. It never fails.
func (c *Catalog) Resolve(idOrName string) Record {
	if c == nil {
		return Unknown()
	}
	if r, ok := c.byID[idOrName]; ok {
		return r
	}
	if r, ok := c.byName[idOrName]; ok {
		return r
	}
	return Unknown()
}

// ResolveStrict is Resolve for callers that cannot work with the sentinel.
func (c *Catalog) ResolveStrict(idOrName string) (Record, error) {
	r := c.Resolve(idOrName)
	if r.IsUnknown() {
		return r, errors.Wrapf(ErrModelNotFound, "%q", idOrName)
	}
	return r, nil
}

// Lookup returns the record with exactly this id.
func (c *Catalog) Lookup(id string) (Record, bool) {
	if c == nil {
		return Record{}, false
	}
	r, ok := c.byID[id]
	return r, ok
}

// Records returns a copy of the catalog contents in load order.
func (c *Catalog) Records() []Record {
	if c == nil {
		return nil
	}
	return clone.Clone(c.records).([]Record)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.records)
}

type catalogFile struct {
	Models []Record `yaml:"models"`
}

// LoadCatalogYAML reads a document of the form
//
//	models:
//	  - id: gpt-4o
//	    name: GPT-4o
//	    provider: openai
//	    context_window: 128000
func LoadCatalogYAML(r io.Reader) (*Catalog, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "could not decode model catalog")
	}
	for i, m := range f.Models {
		if m.ID == "" {
			return nil, errors.Errorf("model catalog entry %d has no id", i)
		}
	}
	return NewCatalog(f.Models...), nil
}
