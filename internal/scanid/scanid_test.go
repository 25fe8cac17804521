package scanid

import (
	"regexp"
	"sort"
	"testing"
)

var ulidPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

func TestNew_Format(t *testing.T) {
	id := New()
	if !ulidPattern.MatchString(id) {
		t.Errorf("scan id %q does not match ULID pattern", id)
	}
}

func TestNew_UniqueAndSorted(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i := range ids {
		ids[i] = New()
		if _, dup := seen[ids[i]]; dup {
			t.Fatalf("duplicate scan id %q at index %d", ids[i], i)
		}
		seen[ids[i]] = struct{}{}
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("scan ids generated in sequence are not lexicographically sorted")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"generated", New(), true},
		{"empty", "", false},
		{"short", "01ABC", false},
		{"invalid chars", "IIIIIIIIIIIIIIIIIIIIIIIIII", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.id); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
