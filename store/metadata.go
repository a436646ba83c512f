package store

import (
	"maps"
	"slices"
)

// Metadata describes a catalog entry.
type Metadata struct {
	// Description is a free-form summary of what the pipeline does
	Description string `json:"description"`
	// Tags for organization and filtering
	Tags []string `json:"tags"`
	// Properties holds arbitrary JSON-encodable values
	Properties map[string]interface{} `json:"properties"`
}

// NewMetadata creates empty metadata.
func NewMetadata() *Metadata {
	return &Metadata{
		Tags:       []string{},
		Properties: make(map[string]interface{}),
	}
}

// AddTag adds a tag if it is not already present.
func (m *Metadata) AddTag(tag string) {
	if tag == "" || m.HasTag(tag) {
		return
	}
	m.Tags = append(m.Tags, tag)
}

// RemoveTag removes a tag. Unknown tags are ignored.
func (m *Metadata) RemoveTag(tag string) {
	m.Tags = slices.DeleteFunc(m.Tags, func(t string) bool { return t == tag })
}

// HasTag checks if the metadata has a specific tag.
func (m *Metadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// HasAllTags reports whether every tag in tags is present.
func (m *Metadata) HasAllTags(tags []string) bool {
	for _, t := range tags {
		if !m.HasTag(t) {
			return false
		}
	}
	return true
}

// HasAnyTag reports whether at least one tag in tags is present.
func (m *Metadata) HasAnyTag(tags []string) bool {
	return slices.ContainsFunc(tags, m.HasTag)
}

// SetProperty sets a property value.
func (m *Metadata) SetProperty(key string, value interface{}) {
	if m.Properties == nil {
		m.Properties = make(map[string]interface{})
	}
	m.Properties[key] = value
}

// GetProperty returns a property value.
func (m *Metadata) GetProperty(key string) (interface{}, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// Clone returns a copy of the metadata with its own tag list and property map.
func (m *Metadata) Clone() *Metadata {
	out := &Metadata{
		Description: m.Description,
		Tags:        slices.Clone(m.Tags),
		Properties:  maps.Clone(m.Properties),
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.Properties == nil {
		out.Properties = make(map[string]interface{})
	}
	return out
}
