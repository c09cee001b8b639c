package monitor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

// Classification thresholds.
const (
	// minPlaylistDelayMs is the floor of the playlist DELAY threshold.
	minPlaylistDelayMs = 500

	// slowDownloadMs flags a part whose body took longer than this to read.
	slowDownloadMs = 150
)

// Verdict is the classification of one completed request.
type Verdict struct {
	Class  stats.Classification
	Status string

	// Slow is set when throughput was below the declared bandwidth or, for
	// parts, the body took longer than 150 ms. It never changes Class.
	Slow bool

	// StrongDelay is set when a playlist response took longer than the
	// target duration.
	StrongDelay bool
}

// PlaylistCheck is the input to ClassifyPlaylist.
type PlaylistCheck struct {
	Result   fetch.Result
	Manifest *playlist.Manifest
	ParseErr error

	// Requested is the blocking reload target sent with the request,
	// (0, 0) when none was sent.
	Requested playlist.Position

	// Bandwidth is the declared rendition bandwidth in bits per second.
	Bandwidth int64
}

// ClassifyPlaylist classifies a media playlist response. The most severe
// condition wins; DELAY, the ahead position and SLOW are appended to the
// status as they apply.
func ClassifyPlaylist(in PlaylistCheck) Verdict {
	res := in.Result
	if !res.Succeeded() {
		return Verdict{Class: stats.ClassError, Status: res.Status}
	}
	if in.ParseErr != nil {
		return Verdict{Class: stats.ClassError, Status: "ERROR " + in.ParseErr.Error()}
	}
	m := in.Manifest
	if !m.IsMedia() {
		return Verdict{Class: stats.ClassError, Status: "ERROR not a media playlist"}
	}

	v := Verdict{Class: stats.ClassOK}
	var words []string

	last, hasParts := m.LastPart()
	pps := m.PartsPerSegment()
	switch {
	case !hasParts:
		v.Class = stats.ClassError
		words = append(words, "No Parts")
	case in.Requested.Part >= pps:
		v.Class = stats.ClassError
		words = append(words, fmt.Sprintf("ERROR OR=%d (XTD=%d // XPT=%.1f)",
			in.Requested.Part, m.TargetDuration, math.Round(m.PartTarget*10)/10))
	case last.Position.Before(in.Requested):
		v.Class = stats.ClassStale
		words = append(words, "STALE "+last.Position.String())
	}

	rt := ms(res.ResponseTime)
	if rt > math.Max(m.PartTarget*1000, minPlaylistDelayMs) {
		v.Class = v.Class.Worse(stats.ClassDelay)
		words = append(words, "DELAY")
	}
	if m.TargetDuration > 0 && rt > float64(m.TargetDuration)*1000 {
		v.Class = v.Class.Worse(stats.ClassDelay)
		v.StrongDelay = true
	}

	if hasParts && in.Requested.Before(last.Position) {
		words = append(words, last.Position.String())
	}

	if v.Class != stats.ClassError && res.Throughput < float64(in.Bandwidth) {
		v.Slow = true
		words = append(words, "SLOW")
	}

	v.Status = statusText(v.Class, words)
	return v
}

// ClassifyPart classifies a part or init segment response. partTarget is
// in seconds; 0 disables the DELAY check.
func ClassifyPart(res fetch.Result, partTarget float64, bandwidth int64) Verdict {
	if !res.Succeeded() {
		return Verdict{Class: stats.ClassError, Status: res.Status}
	}

	v := Verdict{Class: stats.ClassOK}
	var words []string
	if partTarget > 0 && ms(res.ResponseTime) > partTarget*1000 {
		v.Class = stats.ClassDelay
		words = append(words, "DELAY")
	}
	if ms(res.DownloadTime) > slowDownloadMs || res.Throughput < float64(bandwidth) {
		v.Slow = true
		words = append(words, "SLOW")
	}

	v.Status = statusText(v.Class, words)
	return v
}

func statusText(class stats.Classification, words []string) string {
	if class == stats.ClassOK {
		words = append([]string{"OK"}, words...)
	}
	return strings.Join(words, " ")
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
