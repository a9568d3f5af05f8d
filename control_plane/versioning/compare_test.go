package versioning

import (
	"errors"
	"testing"

	"github.com/itskum47/FleetRoll/control_plane/errs"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2", "1.2.0", 0},
		{"1.2", "1.2.1", -1},
		{"1.2.1", "1.2", 1},
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.10", "1.9", 1},
		{"1.01", "1.1", 0},
		{"3", "3.0.0.0", 0},
		{"0.0.1", "0.0.0.9", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareAntisymmetricAndReflexive(t *testing.T) {
	versions := []string{"0", "1", "1.0", "1.0.1", "1.2", "1.2.0", "1.10", "2.0.0", "10.0", "1.2.3.4"}
	for _, a := range versions {
		self, err := Compare(a, a)
		if err != nil || self != 0 {
			t.Errorf("Compare(%q, %q) = %d, %v", a, a, self, err)
		}
		for _, b := range versions {
			ab, _ := Compare(a, b)
			ba, _ := Compare(b, a)
			if ab != -ba {
				t.Errorf("Compare(%q,%q)=%d but Compare(%q,%q)=%d", a, b, ab, b, a, ba)
			}
		}
	}
}

func TestCompareRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "1..2", "1.x", "v1.2", "1.2-beta", "-1.0", "1.2."} {
		if _, err := Compare(bad, "1.0"); !errors.Is(err, errs.ErrMalformedVersion) {
			t.Errorf("Compare(%q) error = %v, want MalformedVersion", bad, err)
		}
		if _, err := Compare("1.0", bad); !errors.Is(err, errs.ErrMalformedInput) {
			t.Errorf("Compare(_, %q) error = %v, want MalformedInput kind", bad, err)
		}
		if err := Validate(bad); err == nil {
			t.Errorf("Validate(%q) accepted malformed version", bad)
		}
	}
}
