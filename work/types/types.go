package types

import (
	"encoding/json"
)

// Default values substituted for EXTINF entries that omit a display name or group.
const (
	DefaultChannelName  = "Unknown Channel"
	DefaultChannelGroup = "Uncategorized"
)

// Channel is one playable entry of a playlist. It is built once by the parser
// and treated as a value from then on.
//
// ID is derived from the position of the entry in the source text, so it is
// stable across repeated parses of byte-identical input only.
type Channel struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Logo       string            `json:"logo,omitempty"` // empty when the entry has no tvg-logo
	Group      string            `json:"group"`
	Attributes map[string]string `json:"attributes,omitempty"` // remaining EXTINF attributes (tvg-id, tvg-name, ...)
}

// HasLogo reports whether the entry carried a tvg-logo attribute.
func (c Channel) HasLogo() bool {
	return c.Logo != ""
}

// Group is one named bucket of a GroupMapping.
type Group struct {
	Name     string    `json:"group"`
	Channels []Channel `json:"channels"`
}

// GroupMapping maps group names to their channels. Groups keep the order in
// which they first appear in the playlist and channels keep source order
// within their group.
type GroupMapping struct {
	order  []string
	groups map[string][]Channel
}

// NewGroupMapping returns an empty mapping ready for Add.
func NewGroupMapping() *GroupMapping {
	return &GroupMapping{groups: make(map[string][]Channel)}
}

// Add appends ch to the group named group, registering the group on first use.
func (m *GroupMapping) Add(group string, ch Channel) {
	if _, ok := m.groups[group]; !ok {
		m.order = append(m.order, group)
	}
	m.groups[group] = append(m.groups[group], ch)
}

// Names returns the group names in first-occurrence order.
func (m *GroupMapping) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Channels returns a copy of the channels of group, nil if the group is unknown.
func (m *GroupMapping) Channels(group string) []Channel {
	list, ok := m.groups[group]
	if !ok {
		return nil
	}
	out := make([]Channel, len(list))
	copy(out, list)
	return out
}

// Len is the number of groups.
func (m *GroupMapping) Len() int {
	return len(m.order)
}

// Count is the number of channels across all groups.
func (m *GroupMapping) Count() int {
	n := 0
	for _, list := range m.groups {
		n += len(list)
	}
	return n
}

// First returns the default selection: the first channel of the first group.
func (m *GroupMapping) First() (Channel, bool) {
	if len(m.order) == 0 {
		return Channel{}, false
	}
	return m.groups[m.order[0]][0], true
}

// Groups returns the mapping as an ordered slice.
func (m *GroupMapping) Groups() []Group {
	out := make([]Group, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, Group{Name: name, Channels: m.Channels(name)})
	}
	return out
}

// MarshalJSON encodes the mapping as an ordered array so clients keep the group order.
func (m *GroupMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Groups())
}
