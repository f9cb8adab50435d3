// Package storage implements the entity/query layer, the DataStore
// (nested transactions, deadlock replay, process-wide caches), and the
// high-level mutation APIs that handlers call to create and modify
// Collections, PimItems, Parts, Flags, and Tags.
package storage

import "time"

// UnsetID is the sentinel for "no id assigned yet".
const UnsetID int64 = -1

// RootCollectionID is the virtual root of the collection tree.
const RootCollectionID int64 = 0

// Resource is a named owner of collections: an external agent
// responsible for fetching remote state into the collections it owns.
type Resource struct {
	ID      int64
	Name    string
	Virtual bool
}

// CachePolicy controls how a Collection's contents are kept in sync
// with its owning Resource.
type CachePolicy struct {
	Inherit       bool
	CheckInterval int // minutes; -1 disables
	CacheTimeout  int // minutes; -1 means never expire
	SyncOnDemand  bool
	LocalParts    string // "ALL" or a comma-separated part-type list
}

// DefaultCachePolicy is applied when no ancestor collection supplies
// a non-inheriting policy (spec.md §4.3 active_cache_policy).
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		CheckInterval: -1,
		CacheTimeout:  -1,
		SyncOnDemand:  false,
		LocalParts:    "ALL",
	}
}

// Collection is a node in the tree rooted at RootCollectionID.
type Collection struct {
	ID               int64
	ParentID         int64
	ResourceID       int64
	Name             string
	RemoteID         string
	RemoteRevision   string
	Subscribed       bool
	CachePolicy      CachePolicy
	QueryString      string
	QueryAttributes  string
	QueryCollections string
	IsVirtual        bool
	Referenced       bool
}

// MimeType is a cached, uniquely-named media type.
type MimeType struct {
	ID   int64
	Name string
}

// PimItem is the leaf data entity: a mail-message-shaped record with
// payload Parts attached via the PimItemID foreign key.
type PimItem struct {
	ID             int64
	CollectionID   int64
	MimeTypeID     int64
	RemoteID       string
	RemoteRevision string
	GID            string
	Size           int64
	Datetime       time.Time
	Atime          time.Time
	Dirty          bool
	Hidden         bool
}

// PartType is a (namespace, name) pair, e.g. "PLD:RFC822", "ATR:HIDDEN".
type PartType struct {
	ID        int64
	Namespace string
	Name      string
}

func (pt PartType) String() string { return pt.Namespace + ":" + pt.Name }

// NamespacePayload and NamespaceAttribute are the two PartType
// namespaces named by spec.md: "PLD" (payload) and "ATR" (attribute).
const (
	NamespacePayload   = "PLD"
	NamespaceAttribute = "ATR"
)

// Part is a payload fragment attached to a PimItem.
type Part struct {
	ID         int64
	PimItemID  int64
	PartTypeID int64
	Data       []byte // inline bytes, or an external file identifier when External is true
	DataSize   int64
	External   bool
	Version    int
}

// Flag is a system- or user-defined boolean tag on items.
type Flag struct {
	ID   int64
	Name string
}

// Tag is a first-class, identified entity distinguishable from a Flag
// by carrying a Gid and optional per-resource remote state.
type Tag struct {
	ID       int64
	GID      string
	TagType  string
	ResID    int64  // owning Resource.ID, or UnsetID if resource-less
	RemoteID string
}

// CollectionAttribute is a (collectionId, key) -> value byte-blob bag,
// the generic per-collection metadata extension point (spec.md §3).
// CachePolicy is not routed through it — it lives on the Collection
// row directly (SPEC_FULL.md §4.1).
type CollectionAttribute struct {
	CollectionID int64
	Key          string
	Value        []byte
}
