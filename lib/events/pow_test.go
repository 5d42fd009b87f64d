package events_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nbd-wtf/go-nostr/nip13"
)

func TestDifficulty(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{strings.Repeat("f", 64), 0},
		{"7f" + strings.Repeat("f", 62), 1},
		{"00" + strings.Repeat("f", 62), 8},
		{"0001" + strings.Repeat("0", 60), 15},
		{"000000" + "1f" + strings.Repeat("0", 56), 27},
		{strings.Repeat("0", 64), 256},
	}

	for _, tt := range tests {
		if got := nip13.Difficulty(tt.id); got != tt.want {
			t.Errorf("Difficulty(%s) = %d, want %d", tt.id, got, tt.want)
		}
	}

	if got := nip13.Difficulty("zz" + strings.Repeat("0", 62)); got >= 0 {
		t.Errorf("expected negative difficulty for non hex id, got %d", got)
	}
	if got := nip13.Difficulty("00"); got >= 0 {
		t.Errorf("expected negative difficulty for short id, got %d", got)
	}
}

// idWithLeadingZeros builds a 32 byte id with exactly n leading zero bits
func idWithLeadingZeros(n int, fill byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = fill
	}
	for i := 0; i < n/8; i++ {
		raw[i] = 0
	}
	raw[n/8] = 0x80>>(n%8) | (fill & (0xff >> (n%8 + 1)))
	return hex.EncodeToString(raw)
}

func TestProperty_DifficultyBoundary(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("an id with exactly n zero bits satisfies n and fails n+1", prop.ForAll(
		func(n int, fill uint8) bool {
			got := nip13.Difficulty(idWithLeadingZeros(n, fill))
			return got >= n && !(got >= n+1)
		},
		gen.IntRange(0, 255),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
