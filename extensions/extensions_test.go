package extensions_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhorn/extensions"
	"github.com/radiocosmology/alpenhorn/model"
)

func detectorExt(name, key string) extensions.Extension {
	return extensions.Extension{
		Name: name,
		Register: func() (extensions.Capabilities, error) {
			return extensions.Capabilities{
				ImportDetectors: map[string]extensions.ImportDetector{
					key: func(path string, node *model.StorageNode) (string, extensions.ImportCallback, bool) {
						return "acq-" + path, nil, true
					},
				},
			}, nil
		},
	}
}

func TestLoadRunsDetectorsInOrderFirstMatchWins(t *testing.T) {
	reg, err := extensions.Load([]extensions.Extension{
		detectorExt("one", "d1"),
		detectorExt("two", "d2"),
	})
	require.NoError(t, err)

	acq, _, ok := reg.RunDetectors("a/b", nil)
	require.True(t, ok)
	require.Equal(t, "acq-a/b", acq)
}

func TestLoadRejectsDuplicateDatabaseCapability(t *testing.T) {
	dbExt := func(name string) extensions.Extension {
		return extensions.Extension{
			Name: name,
			Register: func() (extensions.Capabilities, error) {
				return extensions.Capabilities{
					Database: func(url string) (*model.Repository, error) { return nil, nil },
				}, nil
			},
		}
	}
	_, err := extensions.Load([]extensions.Extension{dbExt("a"), dbExt("b")})
	require.Error(t, err)
}

func TestLoadRejectsDuplicateIOModuleKey(t *testing.T) {
	ioExt := func(name string) extensions.Extension {
		return extensions.Extension{
			Name: name,
			Register: func() (extensions.Capabilities, error) {
				return extensions.Capabilities{
					IOModules: map[string]extensions.IOModuleFactory{
						"lustre": func(cfg string) (any, error) { return nil, nil },
					},
				}, nil
			},
		}
	}
	_, err := extensions.Load([]extensions.Extension{ioExt("a"), ioExt("b")})
	require.Error(t, err)
}

func TestLoadNoMatchingDetector(t *testing.T) {
	reg, err := extensions.Load(nil)
	require.NoError(t, err)
	_, _, ok := reg.RunDetectors("x", nil)
	require.False(t, ok)
}
