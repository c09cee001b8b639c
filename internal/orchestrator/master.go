package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

// UndefinedResolution labels renditions without a RESOLUTION attribute,
// including a media playlist used as the entry URL.
const UndefinedResolution = "Undefined"

// MasterError is returned when the entry playlist cannot be used. It is
// fatal: no monitor is started.
type MasterError struct {
	URL    string
	Reason string
	Err    error
}

func (e *MasterError) Error() string {
	return fmt.Sprintf("master playlist %s: %s", e.URL, e.Reason)
}

func (e *MasterError) Unwrap() error {
	return e.Err
}

// Selection narrows the renditions taken from a master playlist.
type Selection struct {
	// MaxRenditions keeps only the first N video renditions. 0 keeps all.
	MaxRenditions int

	// Audio appends every EXT-X-MEDIA audio track with a URI.
	Audio bool
}

// LoadMaster fetches the entry playlist and returns the renditions to
// monitor, indexed from 0 in playlist order.
//
// A media playlist is accepted as a master with a single rendition.
func LoadMaster(ctx context.Context, f monitor.Fetcher, rawURL string, sel Selection, logger *slog.Logger) ([]stats.RenditionInfo, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, &MasterError{URL: rawURL, Reason: "invalid URL", Err: err}
	}

	res := f.Fetch(ctx, rawURL, "")
	if !res.Succeeded() {
		return nil, &MasterError{
			URL:    rawURL,
			Reason: fmt.Sprintf("cannot be loaded (code %d, %s)", res.Code, res.Status),
			Err:    res.Err,
		}
	}

	man, err := playlist.Parse(res.Body, base)
	if err != nil {
		return nil, &MasterError{URL: rawURL, Reason: "not a playlist", Err: err}
	}

	switch man.Kind {
	case playlist.KindMedia:
		logger.Warn("entry_is_media_playlist",
			"url", rawURL,
			"note", "monitoring it as the only rendition",
		)
		return []stats.RenditionInfo{{
			Index:      0,
			URI:        man.URI,
			Resolution: UndefinedResolution,
		}}, nil

	case playlist.KindMaster:
		list := selectRenditions(man, sel)
		if len(list) == 0 {
			return nil, &MasterError{URL: rawURL, Reason: "master playlist has no renditions"}
		}
		logger.Info("master_loaded",
			"url", rawURL,
			"variants", len(man.Renditions),
			"audio_tracks", len(man.Audio),
			"selected", len(list),
		)
		return list, nil

	default:
		return nil, &MasterError{URL: rawURL, Reason: "neither master nor media", Err: errors.ErrUnsupported}
	}
}

func selectRenditions(man *playlist.Manifest, sel Selection) []stats.RenditionInfo {
	var out []stats.RenditionInfo
	for _, r := range man.Renditions {
		if sel.MaxRenditions > 0 && len(out) >= sel.MaxRenditions {
			break
		}
		res := r.Resolution
		if res == "" {
			res = UndefinedResolution
		}
		out = append(out, stats.RenditionInfo{
			Index:      len(out),
			URI:        r.URI,
			Resolution: res,
			Bandwidth:  r.Bandwidth,
		})
	}

	if !sel.Audio {
		return out
	}
	seen := make(map[string]bool)
	for _, a := range man.Audio {
		if a.URI == "" || seen[a.URI] {
			continue
		}
		seen[a.URI] = true
		out = append(out, stats.RenditionInfo{
			Index:      len(out),
			URI:        a.URI,
			Resolution: "audio " + a.GroupID,
			Audio:      true,
		})
	}
	return out
}
