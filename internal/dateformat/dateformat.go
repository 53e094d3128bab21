// Package dateformat is the opaque serialize/parse boundary spec.md §4.G
// treats as an external collaborator: SharedObject state may carry
// date-format leaves as native time.Time values, but the wire only ever
// carries JSON, so every such leaf round-trips through an RFC 3339 string
// at the boundary.
package dateformat

import "time"

// Layout is the wire representation of a date-format leaf. RFC3339Nano
// is what encoding/json already produces for a time.Time value, so
// Format/Parse agree with the zero-effort marshaling path without any
// custom MarshalJSON.
const Layout = time.RFC3339Nano

// Parse turns a wire string into a timestamp. Accepts RFC3339 with or
// without sub-second precision.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Format renders t the way it will appear on the wire.
func Format(t time.Time) string {
	return t.Format(Layout)
}
