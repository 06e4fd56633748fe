package codec_test

import (
	"testing"

	"github.com/kf6kjg/whip-lru/internal/codec"
)

func TestStoredIDsPrefixRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"a",
		"fcf", // odd-length prefixes must survive the round trip too
		"abc",
		"0123456789abcdef0123456789abcd", // MaxStoredIDsPrefixLen characters
	}
	for _, prefix := range cases {
		id, err := codec.EncodeStoredIDsPrefix(prefix)
		if err != nil {
			t.Fatalf("EncodeStoredIDsPrefix(%q): %v", prefix, err)
		}
		got := codec.DecodeStoredIDsPrefix(id)
		if got != prefix {
			t.Fatalf("round trip of %q produced %q", prefix, got)
		}
	}
}

func TestStoredIDsPrefixTooLongRejected(t *testing.T) {
	tooLong := make([]byte, codec.MaxStoredIDsPrefixLen+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	if _, err := codec.EncodeStoredIDsPrefix(string(tooLong)); err == nil {
		t.Fatalf("expected error for a prefix longer than %d characters", codec.MaxStoredIDsPrefixLen)
	}
}
