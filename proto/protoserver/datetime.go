package protoserver

import "time"

// akonadiDatetimeLayout matches the wire format the client sends and
// expects back in UIDNEXT DATETIME responses, e.g.
// "12-May-2014 14:46:00 +0000".
const akonadiDatetimeLayout = "02-Jan-2006 15:04:05 -0700"

// parseAkonadiDatetime turns the wire datetime string into a Unix
// timestamp; a malformed string falls back to the current time rather
// than failing the whole append, since the datetime is advisory.
func parseAkonadiDatetime(s string) int64 {
	t, err := time.Parse(akonadiDatetimeLayout, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

// formatAkonadiDatetime is parseAkonadiDatetime's inverse, used to echo
// the effective datetime back in a tagged OK response.
func formatAkonadiDatetime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(akonadiDatetimeLayout)
}
