package util

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestIsHexKey(t *testing.T) {
	good := strings.Repeat("0a", 32)
	cases := []struct {
		in   string
		want bool
	}{
		{good, true},
		{good[:62], false},
		{strings.ToUpper(good), false},
		{strings.Repeat("zz", 32), false},
		{"../" + good[3:], false},
	}
	for _, tc := range cases {
		if got := IsHexKey(tc.in, 32); got != tc.want {
			t.Fatalf("IsHexKey(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestShardPath(t *testing.T) {
	p, err := ShardPath("root", "abcdef", ".obj")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("root", "ab", "abcdef.obj"); p != want {
		t.Fatalf("got %q want %q", p, want)
	}
	if _, err := ShardPath("root", "a", ""); err == nil {
		t.Fatalf("expected error for short key")
	}
}
