// Package model is alpenhorn's data index (spec.md §3): the persistent
// source of truth shared by every daemon in the federation, with no
// daemon-to-daemon protocol — cooperation happens entirely through this
// shared relational schema.
//
// Grounded on original_source/alpenhorn/db/{acquisition,archive,storage,
// data_index}.py, translated from peewee's declarative-model style into
// GORM's, the closest ORM analogue anywhere in the retrieved corpus (see
// DESIGN.md). Every entity, attribute, relationship, and invariant named in
// spec.md §3 is carried; only the representation changes.
package model

import "time"

// HasFile is the FileCopy.has_file state: does the node have the file?
type HasFile string

const (
	HasFileNo      HasFile = "N" // absent
	HasFileYes     HasFile = "Y" // present and good
	HasFileMaybe   HasFile = "M" // needs re-check
	HasFileCorrupt HasFile = "X" // verified corrupt
)

// WantsFile is the FileCopy.wants_file intent: does the node want the file?
type WantsFile string

const (
	WantsFileYes       WantsFile = "Y" // keep
	WantsFileMaybe     WantsFile = "M" // discretionary, deletable under pressure
	WantsFileNo        WantsFile = "N" // delete
)

// StorageType classifies a StorageNode's retention policy (spec.md §3).
type StorageType string

const (
	StorageArchive   StorageType = "A"
	StorageTransport StorageType = "T"
	StorageField     StorageType = "F"
)

// Acquisition is a logical container for a group of related files — roughly,
// one observation session. Created once, by auto-import or by an operator;
// never renamed.
type Acquisition struct {
	ID      uint   `gorm:"primarykey"`
	Name    string `gorm:"size:64;uniqueIndex;not null"`
	Comment string

	Files []File `gorm:"foreignKey:AcqID"`
}

// File is a registered file within an Acquisition, identified by its
// nominal size and MD5 digest. Immutable post-registration except by
// explicit operator action.
type File struct {
	ID        uint   `gorm:"primarykey"`
	AcqID     uint   `gorm:"uniqueIndex:idx_file_acq_name;not null"`
	Name      string `gorm:"uniqueIndex:idx_file_acq_name;not null"` // relative posix-style path segment, unique within Acq
	SizeB     int64  `gorm:"not null"`
	MD5       string `gorm:"size:32"`
	CreatedAt time.Time

	Acq Acquisition `gorm:"foreignKey:AcqID"`
}

// StorageGroup is a logical collection of StorageNodes treated as a single
// replication target.
type StorageGroup struct {
	ID      uint   `gorm:"primarykey"`
	Name    string `gorm:"uniqueIndex;not null"`
	IOClass string
	IOConfig string // opaque JSON object

	Nodes []StorageNode `gorm:"foreignKey:GroupID"`
}

// StorageNode is a filesystem tree on a specific host (spec.md §3).
type StorageNode struct {
	ID      uint   `gorm:"primarykey"`
	Name    string `gorm:"uniqueIndex;not null"`
	GroupID uint   `gorm:"not null"`
	Host    string `gorm:"not null"`
	Root    string `gorm:"not null"`

	Address  string
	Username string

	Active     bool `gorm:"default:true"`
	AutoImport bool
	AutoVerify int // files/cycle, 0 disables

	StorageType StorageType `gorm:"size:1;default:A"`

	MaxTotalGB *float64
	MinAvailGB *float64

	AvailGB            *float64
	AvailGBLastChecked *time.Time

	IOClass  string
	IOConfig string

	Group StorageGroup `gorm:"foreignKey:GroupID"`
}

// Local reports whether this node's configured host matches thisHost — the
// daemon only manages nodes for which this is true.
func (n *StorageNode) Local(thisHost string) bool { return n.Host == thisHost }

// Archive reports whether this node never auto-deletes discretionary copies.
func (n *StorageNode) Archive() bool { return n.StorageType == StorageArchive }

// UnderMin reports whether avail space is known and below the configured minimum.
func (n *StorageNode) UnderMin() bool {
	return n.AvailGB != nil && n.MinAvailGB != nil && *n.AvailGB < *n.MinAvailGB
}

// FileCopy is one row per (File, StorageNode) pair — the heart of the model
// (spec.md §3). Created lazily on first observation, and persists with
// has_file=N after deletion to record history.
type FileCopy struct {
	ID         uint      `gorm:"primarykey"`
	FileID     uint      `gorm:"uniqueIndex:idx_copy_file_node;not null"`
	NodeID     uint      `gorm:"uniqueIndex:idx_copy_file_node;not null"`
	HasFile    HasFile   `gorm:"size:1;default:N"`
	WantsFile  WantsFile `gorm:"size:1;default:Y"`
	Ready      bool
	SizeB      *int64
	LastUpdate time.Time `gorm:"not null"`

	File File        `gorm:"foreignKey:FileID"`
	Node StorageNode `gorm:"foreignKey:NodeID"`
}

// FileCopyRequest is intent to replicate a File from a source Node into a
// destination Group.
type FileCopyRequest struct {
	ID        uint `gorm:"primarykey"`
	FileID    uint `gorm:"not null"`
	GroupToID uint `gorm:"not null"`
	NodeFromID uint `gorm:"not null"`

	Completed bool
	Cancelled bool

	Timestamp          time.Time `gorm:"not null"`
	TransferStarted    *time.Time
	TransferCompleted  *time.Time

	File     File         `gorm:"foreignKey:FileID"`
	GroupTo  StorageGroup `gorm:"foreignKey:GroupToID"`
	NodeFrom StorageNode  `gorm:"foreignKey:NodeFromID"`
}

// Open reports whether this request is still actionable (neither completed
// nor cancelled) — the gate used throughout spec.md §3/§4 for "open request."
func (r *FileCopyRequest) Open() bool { return !r.Completed && !r.Cancelled }

// NodeInitSentinel is the FileImportRequest.Path value meaning "initialise
// node" rather than naming a real path (spec.md §3).
const NodeInitSentinel = "ALPENHORN_NODE"

// FileImportRequest is intent to import a filesystem path on a node.
type FileImportRequest struct {
	ID      uint   `gorm:"primarykey"`
	NodeID  uint   `gorm:"not null"`
	Path    string `gorm:"not null"`
	Recurse bool
	Register  bool
	Completed bool

	Node StorageNode `gorm:"foreignKey:NodeID"`
}

// StorageTransferAction is a directed edge (Node -> Group) enabling
// auto-replication (autosync) and auto-cleanup (autoclean). Self-loops
// (edge points back to the node's own group) are ignored by the update loop.
type StorageTransferAction struct {
	ID        uint `gorm:"primarykey"`
	NodeID    uint `gorm:"uniqueIndex:idx_action_node_group;not null"`
	GroupToID uint `gorm:"uniqueIndex:idx_action_node_group;not null"`

	Autosync  bool
	Autoclean bool

	Node    StorageNode  `gorm:"foreignKey:NodeID"`
	GroupTo StorageGroup `gorm:"foreignKey:GroupToID"`
}

// DataIndexVersion gates schema compatibility: component -> integer.
type DataIndexVersion struct {
	Component string `gorm:"primarykey"`
	Version   int    `gorm:"not null"`
}

// AllModels lists every entity for AutoMigrate, in dependency order.
func AllModels() []any {
	return []any{
		&Acquisition{},
		&File{},
		&StorageGroup{},
		&StorageNode{},
		&FileCopy{},
		&FileCopyRequest{},
		&FileImportRequest{},
		&StorageTransferAction{},
		&DataIndexVersion{},
	}
}
