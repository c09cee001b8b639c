package playlist

import (
	"bufio"
	"bytes"
	"net/url"
	"strconv"
	"strings"
)

// Tag prefixes recognised by the parser.
const (
	tagHeader          = "#EXTM3U"
	tagMedia           = "#EXT-X-MEDIA:"
	tagStreamInf       = "#EXT-X-STREAM-INF:"
	tagTargetDuration  = "#EXT-X-TARGETDURATION:"
	tagIndependentSegs = "#EXT-X-INDEPENDENT-SEGMENTS"
	tagMediaSequence   = "#EXT-X-MEDIA-SEQUENCE:"
	tagMap             = "#EXT-X-MAP:"
	tagServerControl   = "#EXT-X-SERVER-CONTROL:"
	tagPartInf         = "#EXT-X-PART-INF:"
	tagPart            = "#EXT-X-PART:"
	tagPreloadHint     = "#EXT-X-PRELOAD-HINT:"
	tagRenditionReport = "#EXT-X-RENDITION-REPORT:"
	tagInf             = "#EXTINF:"
)

// Parse parses a playlist body. base is the URL the body was fetched from
// and is used to resolve relative URIs; it may be nil.
func Parse(body []byte, base *url.URL) (*Manifest, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() || strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff")) != tagHeader {
		return nil, ErrNotPlaylist
	}

	p := &parser{
		base: base,
		m:    &Manifest{MediaSequence: 1},
		msn:  1,
	}
	if base != nil {
		p.m.URI = base.String()
	}

	for sc.Scan() {
		p.line(strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(p.m.Renditions) > 0:
		p.m.Kind = KindMaster
		p.m.Segments, p.m.Parts, p.m.RenditionReports = nil, nil, nil
	case len(p.m.Segments) > 0:
		p.m.Kind = KindMedia
		p.m.Audio = nil
	default:
		return nil, ErrNoContent
	}
	return p.m, nil
}

type parser struct {
	base *url.URL
	m    *Manifest

	msn        int64
	partNum    int64
	extinf     float64
	pendingInf *Rendition // STREAM-INF waiting for its URI line
}

func (p *parser) line(line string) {
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "#") {
		p.uriLine(line)
		return
	}
	// A tag between STREAM-INF and its URI drops the variant.
	p.pendingInf = nil

	switch {
	case strings.HasPrefix(line, tagMedia):
		a := parseAttributes(line[len(tagMedia):])
		if strings.EqualFold(a["TYPE"], "AUDIO") {
			p.m.Audio = append(p.m.Audio, AudioTrack{
				GroupID: a["GROUP-ID"],
				URI:     p.resolve(a["URI"]),
			})
		}

	case strings.HasPrefix(line, tagStreamInf):
		a := parseAttributes(line[len(tagStreamInf):])
		bw, _ := strconv.ParseInt(a["BANDWIDTH"], 10, 64)
		p.pendingInf = &Rendition{
			Bandwidth:  bw,
			Resolution: a["RESOLUTION"],
			AudioGroup: a["AUDIO"],
		}

	case strings.HasPrefix(line, tagTargetDuration):
		if v, err := strconv.ParseFloat(strings.TrimSpace(line[len(tagTargetDuration):]), 64); err == nil {
			p.m.TargetDuration = int64(v)
		}

	case strings.HasPrefix(line, tagIndependentSegs):
		p.m.IndependentSegments = true

	case strings.HasPrefix(line, tagMediaSequence):
		if v, err := strconv.ParseInt(strings.TrimSpace(line[len(tagMediaSequence):]), 10, 64); err == nil {
			p.m.MediaSequence = v
			p.msn = v
		}

	case strings.HasPrefix(line, tagMap):
		if uri, ok := parseAttributes(line[len(tagMap):])["URI"]; ok {
			p.m.InitURI = p.resolve(uri)
		}

	case strings.HasPrefix(line, tagServerControl):
		a := parseAttributes(line[len(tagServerControl):])
		p.m.CanBlockReload = strings.EqualFold(a["CAN-BLOCK-RELOAD"], "YES")
		p.m.PartHoldBack = parseFloat(a["PART-HOLD-BACK"])

	case strings.HasPrefix(line, tagPartInf):
		p.m.PartTarget = parseFloat(parseAttributes(line[len(tagPartInf):])["PART-TARGET"])

	case strings.HasPrefix(line, tagPart):
		a := parseAttributes(line[len(tagPart):])
		p.m.Parts = append(p.m.Parts, Part{
			Position:    Position{MSN: p.msn, Part: p.partNum},
			URI:         p.resolve(a["URI"]),
			Duration:    parseFloat(a["DURATION"]),
			Independent: strings.EqualFold(a["INDEPENDENT"], "YES"),
		})
		p.partNum++

	case strings.HasPrefix(line, tagPreloadHint):
		a := parseAttributes(line[len(tagPreloadHint):])
		if strings.EqualFold(a["TYPE"], "PART") {
			p.m.PreloadHintURI = p.resolve(a["URI"])
		}

	case strings.HasPrefix(line, tagRenditionReport):
		a := parseAttributes(line[len(tagRenditionReport):])
		msn, _ := strconv.ParseInt(a["LAST-MSN"], 10, 64)
		part, _ := strconv.ParseInt(a["LAST-PART"], 10, 64)
		p.m.RenditionReports = append(p.m.RenditionReports, RenditionReport{
			URI:      p.resolve(a["URI"]),
			LastMSN:  msn,
			LastPart: part,
		})

	case strings.HasPrefix(line, tagInf):
		v := line[len(tagInf):]
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		p.extinf = parseFloat(v)
	}
}

func (p *parser) uriLine(line string) {
	if r := p.pendingInf; r != nil {
		r.URI = p.resolve(line)
		p.m.Renditions = append(p.m.Renditions, *r)
		p.pendingInf = nil
		return
	}

	p.m.Segments = append(p.m.Segments, Segment{
		MSN:      p.msn,
		URI:      p.resolve(line),
		Duration: p.extinf,
	})
	p.extinf = 0
	p.msn++
	p.partNum = 0
	if n := len(p.m.Parts); n > 0 {
		p.m.Parts[n-1].Final = true
	}
}

// resolve applies RFC 3986 reference resolution against the playlist URL.
// Unparsable references are returned unchanged.
func (p *parser) resolve(ref string) string {
	if ref == "" || p.base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.base.ResolveReference(u).String()
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseAttributes splits an attribute list (KEY=VALUE,KEY="VALUE",...).
// Keys are upper-cased; surrounding single or double quotes are stripped
// from values. Commas inside quotes do not split.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToUpper(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var val string
		if len(s) > 0 && (s[0] == '"' || s[0] == '\'') {
			q := s[0]
			end := strings.IndexByte(s[1:], q)
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			if c := strings.IndexByte(s, ','); c >= 0 {
				s = s[c+1:]
			} else {
				s = ""
			}
		} else if c := strings.IndexByte(s, ','); c >= 0 {
			val, s = strings.TrimSpace(s[:c]), s[c+1:]
		} else {
			val, s = strings.TrimSpace(s), ""
		}
		if key != "" {
			attrs[key] = val
		}
	}
	return attrs
}
