package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

func okResult(rt time.Duration) fetch.Result {
	return fetch.Result{
		Code:         200,
		Status:       "OK",
		ResponseTime: rt,
		DownloadTime: time.Millisecond,
		Throughput:   50e6,
	}
}

func manifestWithParts(parts ...playlist.Position) *playlist.Manifest {
	m := &playlist.Manifest{
		Kind:           playlist.KindMedia,
		TargetDuration: 4,
		PartTarget:     1.0,
	}
	for _, p := range parts {
		m.Parts = append(m.Parts, playlist.Part{Position: p})
	}
	return m
}

func pos(msn, part int64) playlist.Position {
	return playlist.Position{MSN: msn, Part: part}
}

// =============================================================================
// Playlist
// =============================================================================

func TestClassifyPlaylist(t *testing.T) {
	withParts := manifestWithParts(pos(12, 0), pos(12, 1))

	slowResult := okResult(50 * time.Millisecond)
	slowResult.Throughput = 1e6

	tests := []struct {
		name       string
		in         PlaylistCheck
		wantClass  stats.Classification
		wantStatus string
		wantSlow   bool
		wantStrong bool
	}{
		{
			name:       "http error",
			in:         PlaylistCheck{Result: fetch.Result{Code: 404, Status: "ERROR 404", Failure: fetch.FailureHTTP}},
			wantClass:  stats.ClassError,
			wantStatus: "ERROR 404",
		},
		{
			name:       "parse error",
			in:         PlaylistCheck{Result: okResult(0), ParseErr: errors.New("not a playlist")},
			wantClass:  stats.ClassError,
			wantStatus: "ERROR not a playlist",
		},
		{
			name:       "master instead of media",
			in:         PlaylistCheck{Result: okResult(0), Manifest: &playlist.Manifest{Kind: playlist.KindMaster}},
			wantClass:  stats.ClassError,
			wantStatus: "ERROR not a media playlist",
		},
		{
			name:       "no parts",
			in:         PlaylistCheck{Result: okResult(10 * time.Millisecond), Manifest: manifestWithParts()},
			wantClass:  stats.ClassError,
			wantStatus: "No Parts",
		},
		{
			name:       "requested part out of range",
			in:         PlaylistCheck{Result: okResult(10 * time.Millisecond), Manifest: withParts, Requested: pos(12, 4)},
			wantClass:  stats.ClassError,
			wantStatus: "ERROR OR=4 (XTD=4 // XPT=1.0)",
		},
		{
			name:       "stale",
			in:         PlaylistCheck{Result: okResult(10 * time.Millisecond), Manifest: withParts, Requested: pos(13, 0)},
			wantClass:  stats.ClassStale,
			wantStatus: "STALE 12-1",
		},
		{
			name:       "exact part",
			in:         PlaylistCheck{Result: okResult(10 * time.Millisecond), Manifest: withParts, Requested: pos(12, 1)},
			wantClass:  stats.ClassOK,
			wantStatus: "OK",
		},
		{
			name:       "ahead of request",
			in:         PlaylistCheck{Result: okResult(10 * time.Millisecond), Manifest: withParts, Requested: pos(12, 0)},
			wantClass:  stats.ClassOK,
			wantStatus: "OK 12-1",
		},
		{
			name:       "delay over part target",
			in:         PlaylistCheck{Result: okResult(1200 * time.Millisecond), Manifest: withParts, Requested: pos(12, 1)},
			wantClass:  stats.ClassDelay,
			wantStatus: "DELAY",
		},
		{
			name:       "under part target is not delay",
			in:         PlaylistCheck{Result: okResult(900 * time.Millisecond), Manifest: withParts, Requested: pos(12, 1)},
			wantClass:  stats.ClassOK,
			wantStatus: "OK",
		},
		{
			name:       "delay over target duration",
			in:         PlaylistCheck{Result: okResult(4500 * time.Millisecond), Manifest: withParts, Requested: pos(12, 1)},
			wantClass:  stats.ClassDelay,
			wantStatus: "DELAY",
			wantStrong: true,
		},
		{
			name:       "stale wins over delay",
			in:         PlaylistCheck{Result: okResult(1200 * time.Millisecond), Manifest: withParts, Requested: pos(13, 0)},
			wantClass:  stats.ClassStale,
			wantStatus: "STALE 12-1 DELAY",
		},
		{
			name:       "slow",
			in:         PlaylistCheck{Result: slowResult, Manifest: withParts, Requested: pos(12, 1), Bandwidth: 10e6},
			wantClass:  stats.ClassOK,
			wantStatus: "OK SLOW",
			wantSlow:   true,
		},
		{
			name:       "error is never slow",
			in:         PlaylistCheck{Result: slowResult, Manifest: manifestWithParts(), Bandwidth: 10e6},
			wantClass:  stats.ClassError,
			wantStatus: "No Parts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ClassifyPlaylist(tt.in)
			if v.Class != tt.wantClass {
				t.Errorf("Class = %v, want %v", v.Class, tt.wantClass)
			}
			if v.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", v.Status, tt.wantStatus)
			}
			if v.Slow != tt.wantSlow {
				t.Errorf("Slow = %v, want %v", v.Slow, tt.wantSlow)
			}
			if v.StrongDelay != tt.wantStrong {
				t.Errorf("StrongDelay = %v, want %v", v.StrongDelay, tt.wantStrong)
			}
		})
	}
}

func TestClassifyPlaylist_Deterministic(t *testing.T) {
	in := PlaylistCheck{
		Result:    okResult(1200 * time.Millisecond),
		Manifest:  manifestWithParts(pos(12, 0), pos(12, 1)),
		Requested: pos(13, 0),
		Bandwidth: 1e9,
	}
	first := ClassifyPlaylist(in)
	for i := 0; i < 100; i++ {
		if got := ClassifyPlaylist(in); got != first {
			t.Fatalf("run %d: %+v, first %+v", i, got, first)
		}
	}
}

// =============================================================================
// Part
// =============================================================================

func TestClassifyPart(t *testing.T) {
	slowDownload := okResult(100 * time.Millisecond)
	slowDownload.DownloadTime = 200 * time.Millisecond

	tests := []struct {
		name       string
		res        fetch.Result
		partTarget float64
		bandwidth  int64
		wantClass  stats.Classification
		wantStatus string
		wantSlow   bool
	}{
		{
			name:       "failed",
			res:        fetch.Result{Status: "ERROR connection refused", Failure: fetch.FailureTransport},
			partTarget: 1,
			wantClass:  stats.ClassError,
			wantStatus: "ERROR connection refused",
		},
		{
			name:       "ok",
			res:        okResult(100 * time.Millisecond),
			partTarget: 1,
			wantClass:  stats.ClassOK,
			wantStatus: "OK",
		},
		{
			name:       "delay",
			res:        okResult(1500 * time.Millisecond),
			partTarget: 1,
			wantClass:  stats.ClassDelay,
			wantStatus: "DELAY",
		},
		{
			name:       "no part target disables delay",
			res:        okResult(1500 * time.Millisecond),
			wantClass:  stats.ClassOK,
			wantStatus: "OK",
		},
		{
			name:       "slow download time",
			res:        slowDownload,
			partTarget: 1,
			wantClass:  stats.ClassOK,
			wantStatus: "OK SLOW",
			wantSlow:   true,
		},
		{
			name:       "below bandwidth",
			res:        okResult(1500 * time.Millisecond),
			partTarget: 1,
			bandwidth:  100e6,
			wantClass:  stats.ClassDelay,
			wantStatus: "DELAY SLOW",
			wantSlow:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ClassifyPart(tt.res, tt.partTarget, tt.bandwidth)
			if v.Class != tt.wantClass || v.Status != tt.wantStatus || v.Slow != tt.wantSlow {
				t.Errorf("ClassifyPart() = %+v, want class=%v status=%q slow=%v",
					v, tt.wantClass, tt.wantStatus, tt.wantSlow)
			}
		})
	}
}
