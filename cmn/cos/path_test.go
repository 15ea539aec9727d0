package cos_test

import (
	"testing"

	"github.com/radiocosmology/alpenhorn/cmn/cos"
	"github.com/stretchr/testify/require"
)

func TestInvalidImportPath(t *testing.T) {
	rejected := []string{"", ".", "..", "/x", "./x", "../x", "x/", "x/.", "x/..", "x//y", "x/./y", "x/../y"}
	for _, s := range rejected {
		require.NotEmpty(t, cos.InvalidImportPath(s), "expected rejection for %q", s)
		require.False(t, cos.ValidImportPath(s), s)
	}

	accepted := []string{"x", "x/y", "x/.../y"}
	for _, s := range accepted {
		require.Empty(t, cos.InvalidImportPath(s), "expected acceptance for %q", s)
		require.True(t, cos.ValidImportPath(s), s)
	}
}
