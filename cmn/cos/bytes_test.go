package cos_test

import (
	"testing"

	"github.com/radiocosmology/alpenhorn/cmn/cos"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1k", 1024, false},
		{"1.5k", 1536, false},
		{"4M", 4 * 1 << 20, false},
		{"", 0, true},
		{"0", 0, true},
		{"3.3T", 0, true},
	}
	for _, c := range cases {
		got, err := cos.ParseBytes(c.in)
		if c.wantErr {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}
}

func TestPrettyBytes(t *testing.T) {
	require.Equal(t, "512 B", cos.PrettyBytes(512))
	require.Equal(t, "1.000 kiB", cos.PrettyBytes(1024))
}

func TestPrettyDeltat(t *testing.T) {
	require.Equal(t, "5.0s", cos.PrettyDeltat(5))
	require.Equal(t, "1m05s", cos.PrettyDeltat(65))
	require.Equal(t, "1h01m05s", cos.PrettyDeltat(3665))
	require.Equal(t, "-2.0s", cos.PrettyDeltat(-2))
}
