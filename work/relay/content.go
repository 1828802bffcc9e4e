package relay

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"
)

// MIME types assigned when the upstream does not declare one.
const (
	MimePlaylist = "application/vnd.apple.mpegurl"
	MimeSegment  = "video/mp2t"
	MimeVideo    = "video/mp4"
	MimeBinary   = "application/octet-stream"
)

// CacheClass buckets content for the Cache-Control table.
type CacheClass string

const (
	ClassPlaylist CacheClass = "playlist"
	ClassSegment  CacheClass = "segment"
	ClassOther    CacheClass = "other"
)

// CachePolicy maps each class to a max-age. Playlists enumerate live content
// and change, segments are short-lived, everything else gets the long default.
type CachePolicy struct {
	Playlist time.Duration
	Segment  time.Duration
	Other    time.Duration
}

// DefaultCachePolicy is the canonical table: 10s, 2s and one hour.
var DefaultCachePolicy = CachePolicy{
	Playlist: 10 * time.Second,
	Segment:  2 * time.Second,
	Other:    time.Hour,
}

// Header renders the Cache-Control value for class.
func (p CachePolicy) Header(class CacheClass) string {
	var age time.Duration
	switch class {
	case ClassPlaylist:
		age = p.Playlist
	case ClassSegment:
		age = p.Segment
	default:
		age = p.Other
	}
	return fmt.Sprintf("public, max-age=%d", int(age/time.Second))
}

// ResolveContentType prefers the declared upstream type and otherwise guesses
// from the extension of the target path.
func ResolveContentType(declared string, target *url.URL) string {
	if strings.TrimSpace(declared) != "" {
		return declared
	}
	return ContentTypeForPath(target.Path)
}

// ContentTypeForPath maps .m3u/.m3u8, .ts and .mp4 to their MIME types and
// anything else to a generic binary type. Matching ignores case.
func ContentTypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u", ".m3u8":
		return MimePlaylist
	case ".ts":
		return MimeSegment
	case ".mp4":
		return MimeVideo
	default:
		return MimeBinary
	}
}

// Classify assigns a cache class to a content type.
func Classify(contentType string) CacheClass {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case strings.Contains(mediaType, "mpegurl"):
		return ClassPlaylist
	case mediaType == "video/mp2t",
		mediaType == "video/mp4",
		mediaType == "video/iso.segment",
		mediaType == "audio/mp4",
		mediaType == "audio/aac":
		return ClassSegment
	default:
		return ClassOther
	}
}
