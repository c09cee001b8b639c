package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

const masterURL = "https://origin.test/live/master.m3u8"

const masterBody = `#EXTM3U
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac-low",NAME="en",URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="fr",URI="audio/fr.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="muxed",NAME="main"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,AUDIO="aac"
1080p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,AUDIO="aac"
720p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,AUDIO="aac"
low.m3u8
`

const mediaBody = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-PART-INF:PART-TARGET=1.0
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-PART:DURATION=1.0,URI="p10-0.mp4"
#EXTINF:4.0,
s10.mp4
`

// staticFetcher answers every request with the same result.
type staticFetcher struct {
	res  fetch.Result
	urls []string
}

func (f *staticFetcher) Fetch(_ context.Context, rawURL, _ string) fetch.Result {
	f.urls = append(f.urls, rawURL)
	r := f.res
	r.URL = rawURL
	return r
}

func body(s string) *staticFetcher {
	return &staticFetcher{res: fetch.Result{Code: 200, Status: "OK", Body: []byte(s), Bytes: int64(len(s))}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMaster_Selection(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
		want []stats.RenditionInfo
	}{
		{
			name: "all_video",
			sel:  Selection{},
			want: []stats.RenditionInfo{
				{Index: 0, URI: "https://origin.test/live/1080p.m3u8", Resolution: "1920x1080", Bandwidth: 6000000},
				{Index: 1, URI: "https://origin.test/live/720p.m3u8", Resolution: "1280x720", Bandwidth: 3000000},
				{Index: 2, URI: "https://origin.test/live/low.m3u8", Resolution: UndefinedResolution, Bandwidth: 800000},
			},
		},
		{
			name: "capped",
			sel:  Selection{MaxRenditions: 1},
			want: []stats.RenditionInfo{
				{Index: 0, URI: "https://origin.test/live/1080p.m3u8", Resolution: "1920x1080", Bandwidth: 6000000},
			},
		},
		{
			name: "cap_above_count",
			sel:  Selection{MaxRenditions: 10},
			want: []stats.RenditionInfo{
				{Index: 0, URI: "https://origin.test/live/1080p.m3u8", Resolution: "1920x1080", Bandwidth: 6000000},
				{Index: 1, URI: "https://origin.test/live/720p.m3u8", Resolution: "1280x720", Bandwidth: 3000000},
				{Index: 2, URI: "https://origin.test/live/low.m3u8", Resolution: UndefinedResolution, Bandwidth: 800000},
			},
		},
		{
			// The cap applies to video only; audio is appended, deduplicated
			// by URI, and tracks without a URI are muxed and skipped.
			name: "capped_with_audio",
			sel:  Selection{MaxRenditions: 2, Audio: true},
			want: []stats.RenditionInfo{
				{Index: 0, URI: "https://origin.test/live/1080p.m3u8", Resolution: "1920x1080", Bandwidth: 6000000},
				{Index: 1, URI: "https://origin.test/live/720p.m3u8", Resolution: "1280x720", Bandwidth: 3000000},
				{Index: 2, URI: "https://origin.test/live/audio/en.m3u8", Resolution: "audio aac", Audio: true},
				{Index: 3, URI: "https://origin.test/live/audio/fr.m3u8", Resolution: "audio aac", Audio: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadMaster(context.Background(), body(masterBody), masterURL, tt.sel, discardLogger())
			if err != nil {
				t.Fatalf("LoadMaster() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("renditions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadMaster_MediaEntry(t *testing.T) {
	url := "https://origin.test/live/720p.m3u8?token=abc"
	got, err := LoadMaster(context.Background(), body(mediaBody), url, Selection{MaxRenditions: 3, Audio: true}, discardLogger())
	if err != nil {
		t.Fatalf("LoadMaster() error = %v", err)
	}
	want := []stats.RenditionInfo{{Index: 0, URI: url, Resolution: UndefinedResolution}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("renditions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMaster_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *staticFetcher
		url     string
		wantErr error
	}{
		{
			name:    "http_error",
			fetcher: &staticFetcher{res: fetch.Result{Code: 404, Status: "ERROR 404", Failure: fetch.FailureHTTP}},
			url:     masterURL,
		},
		{
			name:    "not_a_playlist",
			fetcher: body("<html>nope</html>"),
			url:     masterURL,
			wantErr: playlist.ErrNotPlaylist,
		},
		{
			name:    "empty_playlist",
			fetcher: body("#EXTM3U\n#EXT-X-VERSION:9\n"),
			url:     masterURL,
			wantErr: playlist.ErrNoContent,
		},
		{
			name:    "bad_url",
			fetcher: body(masterBody),
			url:     "://bad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMaster(context.Background(), tt.fetcher, tt.url, Selection{}, discardLogger())

			var me *MasterError
			if !errors.As(err, &me) {
				t.Fatalf("error = %v, want *MasterError", err)
			}
			if me.URL != tt.url {
				t.Errorf("MasterError.URL = %q, want %q", me.URL, tt.url)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want it to wrap %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMaster_FetchesOnce(t *testing.T) {
	f := body(masterBody)
	if _, err := LoadMaster(context.Background(), f, masterURL, Selection{}, discardLogger()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{masterURL}, f.urls); diff != "" {
		t.Errorf("fetched URLs (-want +got):\n%s", diff)
	}
}

func TestMasterError(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := &MasterError{URL: masterURL, Reason: "cannot be loaded", Err: inner}

	if got, want := err.Error(), "master playlist "+masterURL+": cannot be loaded"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("MasterError must unwrap to its cause")
	}
}
