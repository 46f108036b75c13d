package crawler

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalForTiers(t *testing.T) {
	t.Parallel()

	primary, ok := IntervalFor(PriorityPrimary)
	require.True(t, ok)
	require.Equal(t, Interval{Min: time.Hour, Max: 6 * time.Hour}, primary)

	secondary, ok := IntervalFor(PrioritySecondary)
	require.True(t, ok)
	require.Equal(t, Interval{Min: 24 * time.Hour, Max: 7 * 24 * time.Hour}, secondary)

	_, ok = IntervalFor("TERTIARY")
	require.False(t, ok)
}

func TestIntervalPickStaysInBounds(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for _, p := range []Priority{PriorityPrimary, PrioritySecondary} {
		iv, _ := IntervalFor(p)
		for i := 0; i < 1000; i++ {
			d := iv.Pick(rng)
			require.GreaterOrEqual(t, d, iv.Min)
			require.LessOrEqual(t, d, iv.Max)
			require.Zero(t, d%time.Second)
		}
	}
}

func TestIntervalPickDeterministicForSeed(t *testing.T) {
	t.Parallel()

	iv, _ := IntervalFor(PriorityPrimary)
	a := iv.Pick(rand.New(rand.NewPCG(42, 42)))
	b := iv.Pick(rand.New(rand.NewPCG(42, 42)))
	require.Equal(t, a, b)
}

func TestIntervalPickDegenerateRange(t *testing.T) {
	t.Parallel()

	iv := Interval{Min: time.Minute, Max: time.Minute}
	require.Equal(t, time.Minute, iv.Pick(rand.New(rand.NewPCG(0, 0))))
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	p, err := ParsePriority(" primary ")
	require.NoError(t, err)
	require.Equal(t, PriorityPrimary, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Example.COM:443/path?b=2&a=1#frag")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/path?a=1&b=2", got)

	_, err = NormalizeURL("ftp://example.com")
	require.Error(t, err)
	_, err = NormalizeURL("/relative")
	require.Error(t, err)
}
