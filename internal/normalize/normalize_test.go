package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderName(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"known builder exact", "beaverbuild.org", "beaverbuild"},
		{"known builder case-insensitive", "BeaverBuild.org", "beaverbuild"},
		{"known builder with version suffix", "titanbuilder-v2", "Titan Builder"},
		{"unknown builder falls back to cleaned raw", "some new builder", "some new builder"},
		{"empty after cleaning falls back to unknown", "\x00\x01", "unknown"},
		{"empty string", "", "unknown"},
		{"non-ASCII accented letters stripped", "buïlder", "bulder"},
		{"emoji stripped", "builder\U0001F680", "builder"},
		{"CJK stripped entirely falls back to unknown", "建造者", "unknown"},
		{"generic client name with version suffix normalizes to unknown", "geth/v1.13.0", "unknown"},
		{"generic client name bare normalizes to unknown", "nethermind", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BuilderName(tc.raw))
		})
	}
}

func TestProposerName(t *testing.T) {
	assert.Equal(t, "unknown", ProposerName("0xdeadbeef"))
}

func TestClean_StripsInvalidUTF8(t *testing.T) {
	raw := "beaver" + string([]byte{0xff, 0xfe}) + "build.org"
	assert.Equal(t, "beaverbuild", BuilderName(raw))
}
