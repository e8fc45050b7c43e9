package render

import (
	"sort"
	"strings"
)

// RevLink declares a reverse-link property: the sources of type Type that
// point at the item through Rel.
type RevLink struct {
	Type string `yaml:"type" json:"type"`
	Rel  string `yaml:"rel" json:"rel"`
}

// TypeInfo is the embedding configuration of one item type. Optional
// behaviour is composed from fields rather than inherited.
type TypeInfo struct {
	Name       string             `yaml:"-" json:"name"`
	Collection string             `yaml:"collection" json:"collection"`
	NameKey    string             `yaml:"name_key" json:"name_key"`
	Embedded   []string           `yaml:"embedded" json:"embedded"`
	RevLinks   map[string]RevLink `yaml:"rev_links" json:"rev_links,omitempty"`
	Attachment bool               `yaml:"attachment" json:"attachment,omitempty"`
}

type Registry struct {
	types map[string]*TypeInfo
}

func NewRegistry(types map[string]TypeInfo) *Registry {
	r := &Registry{types: make(map[string]*TypeInfo, len(types))}
	for name, ti := range types {
		ti := ti
		ti.Name = name
		if ti.Collection == "" {
			ti.Collection = defaultCollection(name)
		}
		r.types[name] = &ti
	}
	return r
}

// Lookup returns the registered TypeInfo or a bare one for unknown types.
func (r *Registry) Lookup(name string) *TypeInfo {
	if r != nil {
		if ti, ok := r.types[name]; ok {
			return ti
		}
	}
	return &TypeInfo{Name: name, Collection: defaultCollection(name)}
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func defaultCollection(name string) string {
	c := strings.ReplaceAll(name, "_", "-")
	if strings.HasSuffix(c, "s") {
		return c
	}
	return c + "s"
}

// TypeName turns access_key into AccessKey.
func TypeName(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// DefaultTypes is the built-in type configuration used when the config file
// declares none.
func DefaultTypes() map[string]TypeInfo {
	return map[string]TypeInfo{
		"user":       {NameKey: "email", Embedded: []string{"lab"}},
		"access_key": {NameKey: "access_key_id", Embedded: []string{"user"}},
		"award":      {NameKey: "name"},
		"lab": {
			NameKey:  "name",
			Embedded: []string{"awards"},
			RevLinks: map[string]RevLink{"members": {Type: "user", Rel: "lab"}},
		},
		"donor":     {NameKey: "accession", Embedded: []string{"lab", "award"}},
		"biosample": {NameKey: "accession", Embedded: []string{"donor", "donor.lab", "lab", "award"}},
		"experiment": {
			NameKey:  "accession",
			Embedded: []string{"lab", "award", "biosample", "biosample.donor", "files"},
			RevLinks: map[string]RevLink{"files": {Type: "file", Rel: "dataset"}},
		},
		"file":     {NameKey: "accession", Embedded: []string{"dataset", "lab"}},
		"document": {Embedded: []string{"lab", "award"}, Attachment: true},
	}
}
