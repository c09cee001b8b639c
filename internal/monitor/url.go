package monitor

import (
	"net/url"
	"strconv"

	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
)

// Blocking playlist reload query parameters.
const (
	paramMSN  = "_HLS_msn"
	paramPart = "_HLS_part"
)

// withBlockingParams sets _HLS_msn and _HLS_part on raw, keeping every
// other query parameter. raw is returned unchanged if it does not parse.
func withBlockingParams(raw string, pos playlist.Position) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(paramMSN, strconv.FormatInt(pos.MSN, 10))
	q.Set(paramPart, strconv.FormatInt(pos.Part, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// stripBlockingParams removes _HLS_msn and _HLS_part from raw. The second
// result reports whether anything was removed.
func stripBlockingParams(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, false
	}
	q := u.Query()
	if !q.Has(paramMSN) && !q.Has(paramPart) {
		return raw, false
	}
	q.Del(paramMSN)
	q.Del(paramPart)
	u.RawQuery = q.Encode()
	return u.String(), true
}

// requestedPosition reads the blocking reload target from raw.
// Missing or malformed values read as 0.
func requestedPosition(raw string) playlist.Position {
	u, err := url.Parse(raw)
	if err != nil {
		return playlist.Position{}
	}
	q := u.Query()
	msn, _ := strconv.ParseInt(q.Get(paramMSN), 10, 64)
	part, _ := strconv.ParseInt(q.Get(paramPart), 10, 64)
	return playlist.Position{MSN: msn, Part: part}
}
