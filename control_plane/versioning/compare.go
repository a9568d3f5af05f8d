// Package versioning compares dotted-numeric package versions such as "1.2.10".
package versioning

import (
	"strconv"
	"strings"

	"github.com/itskum47/FleetRoll/control_plane/errs"
)

// Compare returns -1, 0 or 1 as a is older than, equal to, or newer than b.
// Components are compared numerically left to right and a missing trailing
// component counts as 0, so "1.2" == "1.2.0".
func Compare(a, b string) (int, error) {
	pa, err := parse(a)
	if err != nil {
		return 0, err
	}
	pb, err := parse(b)
	if err != nil {
		return 0, err
	}

	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var x, y uint64
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

// Validate reports whether v is a well-formed dotted-numeric version.
func Validate(v string) error {
	_, err := parse(v)
	return err
}

func parse(v string) ([]uint64, error) {
	if v == "" {
		return nil, errs.ErrMalformedVersion.With("empty version")
	}
	parts := strings.Split(v, ".")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		// ParseUint accepts no sign, so "-1" and "+1" are rejected here too
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, errs.ErrMalformedVersion.With("version %q: component %q is not numeric", v, p)
		}
		out[i] = n
	}
	return out, nil
}
