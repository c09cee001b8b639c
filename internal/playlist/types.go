// Package playlist parses HLS master and LL-HLS media playlists.
//
// The parser is deliberately tolerant: unknown tags are skipped, attribute
// values may be quoted or bare, and relative URIs are resolved against the
// URL the playlist was fetched from. It only rejects bodies that are not
// playlists at all, or playlists that carry neither variants nor segments.
//
// Example LL-HLS media playlist:
//
//	#EXTM3U
//	#EXT-X-TARGETDURATION:4
//	#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=3.0
//	#EXT-X-PART-INF:PART-TARGET=1.0
//	#EXT-X-MEDIA-SEQUENCE:100
//	#EXT-X-MAP:URI="init.mp4"
//	#EXTINF:4.0,
//	#EXT-X-PART:DURATION=1.0,URI="seg100_0.m4s",INDEPENDENT=YES
//	...
//	seg100.m4s
//	#EXT-X-PART:DURATION=1.0,URI="seg101_0.m4s"
//	#EXT-X-PRELOAD-HINT:TYPE=PART,URI="seg101_1.m4s"
package playlist

import (
	"errors"
	"fmt"
)

// Kind identifies what a parsed playlist describes.
type Kind int

const (
	KindUndefined Kind = iota
	KindMaster         // variant list
	KindMedia          // segments and parts
)

// String returns a human-readable name for the playlist kind.
func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindMedia:
		return "media"
	default:
		return "undefined"
	}
}

var (
	// ErrNotPlaylist is returned when the body is empty or does not start with #EXTM3U.
	ErrNotPlaylist = errors.New("not an m3u8 playlist")

	// ErrNoContent is returned when a playlist has neither variants nor segments.
	ErrNoContent = errors.New("playlist has no variants and no segments")
)

// Rendition is one EXT-X-STREAM-INF entry of a master playlist.
type Rendition struct {
	URI        string
	Bandwidth  int64 // bits per second, 0 if absent
	Resolution string
	AudioGroup string
}

// AudioTrack is an EXT-X-MEDIA entry with TYPE=AUDIO.
type AudioTrack struct {
	GroupID string
	URI     string
}

// Segment is a complete media segment.
type Segment struct {
	MSN      int64
	URI      string
	Duration float64 // seconds, from the preceding EXTINF
}

// Part is a partial segment (EXT-X-PART).
type Part struct {
	Position
	URI         string
	Duration    float64
	Independent bool

	// Final is set on the last part of a segment whose URI line has
	// already been published.
	Final bool
}

// String returns "msn-part uri".
func (p Part) String() string {
	return fmt.Sprintf("%s %s", p.Position, p.URI)
}

// RenditionReport is an EXT-X-RENDITION-REPORT entry.
type RenditionReport struct {
	URI      string
	LastMSN  int64
	LastPart int64
}

// Manifest is the parsed form of a playlist.
// Exactly one of the master or media field groups is populated, per Kind.
type Manifest struct {
	Kind Kind

	// URI is the address the playlist was fetched from.
	URI string

	IndependentSegments bool

	// Master fields
	Renditions []Rendition
	Audio      []AudioTrack

	// Media fields
	TargetDuration   int64   // seconds
	PartTarget       float64 // seconds
	MediaSequence    int64
	InitURI          string
	CanBlockReload   bool
	PartHoldBack     float64 // seconds
	Segments         []Segment
	Parts            []Part
	PreloadHintURI   string
	RenditionReports []RenditionReport
}

// IsMaster reports whether the manifest is a master playlist.
func (m *Manifest) IsMaster() bool { return m != nil && m.Kind == KindMaster }

// IsMedia reports whether the manifest is a media playlist.
func (m *Manifest) IsMedia() bool { return m != nil && m.Kind == KindMedia }

// PartsPerSegment returns how many parts fit in one segment:
// floor(TargetDuration / PartTarget), with PartTarget rounded to one
// decimal first. Returns 0 when there is no part target.
func (m *Manifest) PartsPerSegment() int64 {
	pt := roundTenth(m.PartTarget)
	if pt <= 0 {
		return 0
	}
	return int64(float64(m.TargetDuration) / pt)
}

// LastPart returns the most recently published part.
func (m *Manifest) LastPart() (Part, bool) {
	if len(m.Parts) == 0 {
		return Part{}, false
	}
	return m.Parts[len(m.Parts)-1], true
}

// NextPosition returns the position to request with a blocking reload:
// the first part of the next segment when the last part is final,
// otherwise the next part of the same segment.
func (m *Manifest) NextPosition() (Position, bool) {
	last, ok := m.LastPart()
	if !ok {
		return Position{}, false
	}
	if last.Final {
		return Position{MSN: last.MSN + 1, Part: 0}, true
	}
	return Position{MSN: last.MSN, Part: last.Part + 1}, true
}

func roundTenth(v float64) float64 {
	if v < 0 {
		return -roundTenth(-v)
	}
	return float64(int64(v*10+0.5)) / 10
}
