// Package extensions implements alpenhorn's plugin surface (spec.md §6/§9):
// a fixed set of capability interfaces populated at daemon startup from the
// configured, ordered `extensions` list. Loading the named Go packages
// themselves is out of scope (spec.md §1's "extension-loading plumbing" is a
// thin external boundary); this package only defines what a loaded extension
// may contribute and enforces the registration invariants.
//
// Grounded on xact/xreg/xreg.go's registry pattern — a private singleton
// populated via Register calls, looked up by key — adapted from "renew a
// running xaction by kind" to "register a named capability exactly once."
package extensions

import (
	"fmt"

	"github.com/radiocosmology/alpenhorn/model"
)

// ImportDetector is called with a freshly discovered path on a node (spec.md
// §4.F step 4) and returns, when it recognises the path, the acquisition
// name and a callback to run once the file is registered. A detector that
// doesn't recognise the path returns ok=false.
type ImportDetector func(path string, node *model.StorageNode) (acqName string, callback ImportCallback, ok bool)

// ImportCallback runs after a novel file is registered (spec.md §4.F step 6
// onward), e.g. to stamp extension-specific metadata.
type ImportCallback func(file *model.File) error

// IOModuleFactory builds a NodeIO or GroupIO instance for a given io_class
// string; the concrete interfaces live in packages nodeio/groupio to avoid
// an import cycle (extensions does not import nodeio or groupio).
type IOModuleFactory func(ioConfig string) (any, error)

// DatabaseCapability lets an extension supply the database connection in
// place of the built-in dispatch in model.Connect (e.g. a site-specific
// connection-pooling wrapper).
type DatabaseCapability func(url string) (*model.Repository, error)

// Capabilities is what a single extension's Register func may contribute.
// Every field is optional; a zero value means "this extension doesn't
// provide this capability."
type Capabilities struct {
	Database       DatabaseCapability
	ImportDetectors map[string]ImportDetector
	IOModules       map[string]IOModuleFactory
	DataIndexModels map[string]any // additional GORM models to AutoMigrate
}

// Extension is one named entry from the configured extensions list.
type Extension struct {
	Name     string
	Register func() (Capabilities, error)
}

// Registry is the merged result of loading an ordered extension list.
type Registry struct {
	Database        DatabaseCapability
	ImportDetectors []namedDetector
	IOModules       map[string]IOModuleFactory
	DataIndexModels map[string]any
}

type namedDetector struct {
	ext string
	d   ImportDetector
}

// Load registers each extension in order, enforcing: at most one Database
// capability across the whole set, and no duplicate keys across
// IOModules/DataIndexModels (spec.md §9's "Dynamic plugin/extension graph"
// redesign note). ImportDetectors keys are not checked for duplicates.
func Load(exts []Extension) (*Registry, error) {
	reg := &Registry{
		IOModules:       map[string]IOModuleFactory{},
		DataIndexModels: map[string]any{},
	}
	seenIO := map[string]string{}
	seenModel := map[string]string{}

	for _, ext := range exts {
		caps, err := ext.Register()
		if err != nil {
			return nil, fmt.Errorf("extensions: %s: register: %w", ext.Name, err)
		}

		if caps.Database != nil {
			if reg.Database != nil {
				return nil, fmt.Errorf("extensions: %s: duplicate database capability", ext.Name)
			}
			reg.Database = caps.Database
		}

		for name, d := range caps.ImportDetectors {
			reg.ImportDetectors = append(reg.ImportDetectors, namedDetector{ext: ext.Name, d: d})
			_ = name // the detector's key is not kept
		}

		for key, f := range caps.IOModules {
			if owner, dup := seenIO[key]; dup {
				return nil, fmt.Errorf("extensions: %s: io-module %q already registered by %s", ext.Name, key, owner)
			}
			seenIO[key] = ext.Name
			reg.IOModules[key] = f
		}

		for key, m := range caps.DataIndexModels {
			if owner, dup := seenModel[key]; dup {
				return nil, fmt.Errorf("extensions: %s: data-index component %q already registered by %s", ext.Name, key, owner)
			}
			seenModel[key] = ext.Name
			reg.DataIndexModels[key] = m
		}
	}
	return reg, nil
}

// RunDetectors invokes every registered detector in extension order (the
// order among one extension's detectors follows Go map iteration and is not
// defined) and returns the first match (spec.md §4.F step 4: "First non-None wins").
func (r *Registry) RunDetectors(path string, node *model.StorageNode) (acqName string, cb ImportCallback, ok bool) {
	for _, nd := range r.ImportDetectors {
		if name, callback, matched := nd.d(path, node); matched {
			return name, callback, true
		}
	}
	return "", nil, false
}
