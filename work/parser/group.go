package parser

import (
	"strings"

	"github.com/grafana/regexp"

	"ultrastream/work/types"
)

// GroupChannels buckets channels by group, keeping group first-occurrence order
// and source order inside each group. Channels without a group land in
// "Uncategorized".
func GroupChannels(channels []types.Channel) *types.GroupMapping {
	mapping := types.NewGroupMapping()
	for _, ch := range channels {
		group := ch.Group
		if group == "" {
			group = types.DefaultChannelGroup
		}
		mapping.Add(group, ch)
	}
	return mapping
}

// Search keeps the channels whose name contains query, ignoring case, and
// drops groups left empty. An empty query returns the mapping unchanged.
func Search(mapping *types.GroupMapping, query string) *types.GroupMapping {
	query = strings.TrimSpace(query)
	if query == "" {
		return mapping
	}

	matcher := regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))
	filtered := types.NewGroupMapping()
	for _, name := range mapping.Names() {
		for _, ch := range mapping.Channels(name) {
			if matcher.MatchString(ch.Name) {
				filtered.Add(name, ch)
			}
		}
	}
	return filtered
}
