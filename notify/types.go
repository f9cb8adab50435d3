// Package notify implements the per-transaction notification collector
// and the dedicated-goroutine notification manager that fans accepted
// notifications out to per-subscriber sources (spec.md §4.4, §4.5).
package notify

// Type is the kind of entity a Notification describes.
type Type int

const (
	Item Type = iota
	Collection
	Tag
	Relation
)

// Operation is what happened to the entities in a Notification.
type Operation int

const (
	Add Operation = iota
	Modify
	Move
	Remove
	Link
	Unlink
	Subscribe
	Unsubscribe
)

// Entity is one affected row, carried by id plus the denormalized
// fields clients need without a round trip (spec.md §4.4).
type Entity struct {
	ID             int64
	RemoteID       string
	RemoteRevision string
	MimeType       string
}

// Notification is the unit the collector buffers and the manager
// fans out, matching spec.md §4.4's field list exactly.
type Notification struct {
	SessionID            string
	Type                 Type
	Operation            Operation
	Entities             []Entity
	ParentCollection     int64
	ParentDestCollection int64
	Resource             string
	DestinationResource  string
	Parts                []string
	AddedFlags           []string
	RemovedFlags         []string
	AddedTags            []int64
	RemovedTags          []int64
}

// sameKey reports whether n and other describe the same entities,
// type, and collection/resource context — i.e. they would be the
// "same notification" but for operation and parts (spec.md §4.4 rule 1).
func (n Notification) sameKey(other Notification) bool {
	if n.Type != other.Type {
		return false
	}
	if n.SessionID != other.SessionID {
		return false
	}
	if n.ParentCollection != other.ParentCollection || n.ParentDestCollection != other.ParentDestCollection {
		return false
	}
	if n.Resource != other.Resource || n.DestinationResource != other.DestinationResource {
		return false
	}
	if len(n.Entities) != len(other.Entities) {
		return false
	}
	for i, e := range n.Entities {
		if e.ID != other.Entities[i].ID {
			return false
		}
	}
	return true
}

// samePartsToo additionally requires Parts to match, used by the
// "compares equal including parts" branch of the coalescing rules.
func (n Notification) samePartsToo(other Notification) bool {
	if !n.sameKey(other) {
		return false
	}
	if len(n.Parts) != len(other.Parts) {
		return false
	}
	for i, p := range n.Parts {
		if p != other.Parts[i] {
			return false
		}
	}
	return true
}

func (n *Notification) mergeParts(other Notification) {
	seen := make(map[string]bool, len(n.Parts))
	for _, p := range n.Parts {
		seen[p] = true
	}
	for _, p := range other.Parts {
		if !seen[p] {
			n.Parts = append(n.Parts, p)
			seen[p] = true
		}
	}
}
