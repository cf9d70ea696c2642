package timeparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStructured(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	in := time.Date(2024, 1, 10, 11, 58, 0, 0, loc)
	got, ok := Normalize(Value{Time: &in}, "")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC), got)
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		name string
		text string
		want time.Time
	}{
		{"iso space", "2024-01-10 08:58:00", time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC)},
		{"iso t", "2024-01-10T08:58:00", time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC)},
		{"rfc3339 z", "2024-03-01T14:22:10Z", time.Date(2024, 3, 1, 14, 22, 10, 0, time.UTC)},
		{"slash", "2024/01/10 08:58:00", time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC)},
		{"fractional", "2024-01-10 08:58:00.500000", time.Date(2024, 1, 10, 8, 58, 0, 500000000, time.UTC)},
		{"date only", "2024-01-10", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)},
		{"epoch string", "1704877080", time.Unix(1704877080, 0).UTC()},
		{"epoch millis string", "1704877080123", time.Unix(1704877080, 0).UTC()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(Value{Text: tc.text}, "")
			require.True(t, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeEpoch(t *testing.T) {
	got, ok := Normalize(Value{Epoch: 1704877080}, "")
	require.True(t, ok)
	require.Equal(t, time.Unix(1704877080, 0).UTC(), got)

	got, ok = Normalize(Value{Epoch: 1704877080123}, "")
	require.True(t, ok)
	require.Equal(t, time.Unix(1704877080, 0).UTC(), got)
}

func TestNormalizeEmbedded(t *testing.T) {
	got, ok := Normalize(Value{}, "attrec uid=7 2024-03-01T14:22:10Z extra")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 14, 22, 10, 0, time.UTC), got)

	got, ok = Normalize(Value{}, "log at 2024/03/01 14:22:10 status=0")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 14, 22, 10, 0, time.UTC), got)

	got, ok = Normalize(Value{}, "uid=7 ts=1704877080 status=0")
	require.True(t, ok)
	require.Equal(t, time.Unix(1704877080, 0).UTC(), got)
}

func TestNormalizeFallsThroughToRaw(t *testing.T) {
	got, ok := Normalize(Value{Text: "garbage"}, "seen 2024-01-10 08:58:00 on wire")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC), got)
}

func TestNormalizeUnparseable(t *testing.T) {
	for _, in := range []Value{
		{},
		{Text: "not a date"},
		{Text: "99/99/9999"},
	} {
		_, ok := Normalize(in, "also not a date")
		require.False(t, ok)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	a, okA := Normalize(Value{Text: "2024-01-10 08:58:00"}, "")
	b, okB := Normalize(Value{Text: "2024-01-10 08:58:00"}, "")
	require.Equal(t, okA, okB)
	require.Equal(t, a, b)
}
