package lfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64 { return &v }

func TestParseQuotaRemainingUnwrapped(t *testing.T) {
	// path short enough not to wrap; 8 fields after the path.
	out := "/short 100 200 0 - 10 20 0 -\n"
	got, err := parseQuotaRemaining(out, "/short", nil)
	require.NoError(t, err)
	require.Equal(t, int64(200-100)*1024, got)
}

func TestParseQuotaRemainingWrapped(t *testing.T) {
	path := "/a/long/enough/path/to/wrap"
	out := path + "\n 50 200 0 - 5 20 0 -\n"
	got, err := parseQuotaRemaining(out, path, nil)
	require.NoError(t, err)
	require.Equal(t, int64(200-50)*1024, got)
}

func TestParseQuotaRemainingOverQuotaMarker(t *testing.T) {
	out := "/short 250* 200 0 - 10 20 0 -\n"
	got, err := parseQuotaRemaining(out, "/short", nil)
	require.NoError(t, err)
	require.Equal(t, int64(200-250)*1024, got) // negative: over quota
}

func TestParseQuotaRemainingDefaultQuotaRequiresFixed(t *testing.T) {
	out := "/short 100 200 0 - 10 20 0 -\nusing default block quota setting\n"
	_, err := parseQuotaRemaining(out, "/short", nil)
	require.ErrorIs(t, err, ErrDefaultQuotaInUse)

	got, err := parseQuotaRemaining(out, "/short", i64(500))
	require.NoError(t, err)
	require.Equal(t, int64(500-100)*1024, got)
}

func TestParseQuotaRemainingMalformed(t *testing.T) {
	_, err := parseQuotaRemaining("garbage\n", "/short", nil)
	require.Error(t, err)
}

func TestParseHSMStateUnarchived(t *testing.T) {
	s, err := parseHSMState("/p: (0x00000000)", "/p")
	require.NoError(t, err)
	require.Equal(t, HSMUnarchived, s)
}

func TestParseHSMStateRestored(t *testing.T) {
	s, err := parseHSMState("/p: (0x00000009) exists archived, archive_id:1", "/p")
	require.NoError(t, err)
	require.Equal(t, HSMRestored, s)
}

func TestParseHSMStateReleased(t *testing.T) {
	s, err := parseHSMState("/p: (0x0000000d) exists archived released, archive_id:1", "/p")
	require.NoError(t, err)
	require.Equal(t, HSMReleased, s)
}

func TestParseHSMStateMalformed(t *testing.T) {
	_, err := parseHSMState("unexpected output", "/p")
	require.Error(t, err)
}

func TestHSMStateString(t *testing.T) {
	require.Equal(t, "missing", HSMMissing.String())
	require.Equal(t, "released", HSMReleased.String())
}
