package parser

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"golang.org/x/crypto/blake2b"

	"ultrastream/work/logger"
	"ultrastream/work/types"
)

const (
	extinfTag     = "#EXTINF:"
	commentMarker = "#"
	maxLineSize   = 1 << 20
)

var (
	logoPattern      = regexp.MustCompile(`tvg-logo="([^"]+)"`)
	groupPattern     = regexp.MustCompile(`group-title="([^"]+)"`)
	attributePattern = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)
)

// pending is an EXTINF entry still waiting for its url line.
type pending struct {
	line  int
	name  string
	logo  string
	group string
	attrs map[string]string
}

// Parse turns extended M3U text into channels in source order.
func Parse(content string) []types.Channel {
	channels, _ := ParseReader(strings.NewReader(content))
	return channels
}

// ParseReader scans r line by line. An EXTINF line opens a pending entry, the
// next non-blank line that is not a comment becomes its url and completes it.
// A second EXTINF before any url line discards the first entry. Lines longer
// than maxLineSize are skipped; an overlong comment costs nothing and any
// other overlong line drops the entry it belongs to. Only a read error from r
// is reported, malformed entries are dropped silently.
func ParseReader(r io.Reader) ([]types.Channel, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		channels []types.Channel
		current  *pending
		dropped  int
		skipped  int
	)

	for index := 0; ; index++ {
		raw, overlong, err := nextLine(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return channels, err
		}

		line := strings.TrimSpace(string(raw))

		if overlong {
			skipped++
			if strings.HasPrefix(line, commentMarker) && !strings.HasPrefix(line, extinfTag) {
				continue
			}
			if current != nil {
				dropped++
				current = nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, extinfTag):
			if current != nil {
				dropped++
			}
			current = parseEntryInfo(index, line)

		case line == "" || strings.HasPrefix(line, commentMarker):
			continue

		case current != nil:
			channels = append(channels, types.Channel{
				ID:         "channel-" + strconv.Itoa(current.line),
				Name:       current.name,
				URL:        line,
				Logo:       current.logo,
				Group:      current.group,
				Attributes: current.attrs,
			})
			current = nil
		}
	}

	if current != nil {
		dropped++
	}
	if skipped > 0 {
		logger.Warn("{parser/m3u - ParseReader} Skipped %d lines longer than %d bytes", skipped, maxLineSize)
	}
	if dropped > 0 {
		logger.Debug("{parser/m3u - ParseReader} Dropped %d entries without a url line", dropped)
	}
	return channels, nil
}

// nextLine reads one line without its line ending. A line longer than
// maxLineSize is consumed whole, its first maxLineSize bytes returned and
// overlong set.
func nextLine(br *bufio.Reader) (line []byte, overlong bool, err error) {
	started := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if started {
				return line, overlong, nil
			}
			return nil, false, err
		}
		started = true

		if room := maxLineSize - len(line); room < len(chunk) {
			line = append(line, chunk[:max(room, 0)]...)
			overlong = true
		} else {
			line = append(line, chunk...)
		}

		if !more {
			return line, overlong, nil
		}
	}
}

// parseEntryInfo extracts the display name and the quoted attributes of one EXTINF line.
func parseEntryInfo(index int, line string) *pending {
	p := &pending{
		line:  index,
		name:  types.DefaultChannelName,
		group: types.DefaultChannelGroup,
	}

	body := strings.TrimPrefix(line, extinfTag)
	if comma := lastUnquotedComma(body); comma >= 0 {
		if name := strings.TrimSpace(body[comma+1:]); name != "" {
			p.name = name
		}
		body = body[:comma]
	}

	if m := logoPattern.FindStringSubmatch(body); m != nil {
		p.logo = m[1]
	}
	if m := groupPattern.FindStringSubmatch(body); m != nil {
		p.group = m[1]
	}

	for _, m := range attributePattern.FindAllStringSubmatch(body, -1) {
		switch m[1] {
		case "tvg-logo", "group-title":
			continue
		}
		if p.attrs == nil {
			p.attrs = make(map[string]string)
		}
		p.attrs[m[1]] = m[2]
	}

	return p
}

// lastUnquotedComma finds the comma separating attributes from the display
// name, skipping commas inside quoted attribute values. Unbalanced quotes
// in the name defeat the scan, the last comma is used then.
func lastUnquotedComma(s string) int {
	inQuotes := false
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				return i
			}
		}
	}
	return strings.LastIndex(s, ",")
}

// Fingerprint is the hex blake2b-256 digest of the playlist text, used as its ETag.
func Fingerprint(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}
