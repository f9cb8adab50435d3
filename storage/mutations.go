package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xrg/akonadi/notify"
)

// ErrVirtualCollection is returned by mutations that refuse to target
// a virtual (search) collection, e.g. AppendItem (spec.md §4.3).
var ErrVirtualCollection = fmt.Errorf("storage: collection is virtual")

// ErrUnknownCollection is returned when a mutation names a collection
// id that has no row.
var ErrUnknownCollection = fmt.Errorf("storage: unknown collection")

func randomGid() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AppendItemParams bundles AppendItem's arguments (spec.md §4.3
// append_item).
type AppendItemParams struct {
	MimeType       string
	CollectionID   int64
	RemoteID       string
	RemoteRevision string
	GID            string
	Datetime       int64
	Parts          []Part // PartTypeID left 0; resolved from PartType names set on each Part's namespace:name via PartTypeID lookup beforehand by the caller
}

// AppendItem inserts a new PimItem with its parts under collection,
// failing if the collection is virtual or unknown. Dirty is set when
// the caller supplied no RemoteID, mirroring a locally created item
// awaiting a resource's authoritative id (spec.md §4.3).
func (ds *DataStore) AppendItem(ctx context.Context, p AppendItemParams) (PimItem, error) {
	col, err := ds.GetCollection(ctx, p.CollectionID)
	if err != nil {
		return PimItem{}, err
	}
	if col.IsVirtual {
		return PimItem{}, ErrVirtualCollection
	}

	gid := p.GID
	if gid == "" {
		gid, err = randomGid()
		if err != nil {
			return PimItem{}, err
		}
	}

	mimeTypeID, err := ds.internMimeType(ctx, p.MimeType)
	if err != nil {
		return PimItem{}, err
	}

	b := ds.backend
	res, err := ds.Exec(ctx, fmt.Sprintf(
		`INSERT INTO PimItems (CollectionID, MimeTypeID, RemoteID, RemoteRevision, GID, Size, Datetime, Atime, Dirty, Hidden)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, FALSE)`,
		b.Placeholder(1), b.Placeholder(2), b.Placeholder(3), b.Placeholder(4),
		b.Placeholder(5), b.Placeholder(6), b.Placeholder(7), b.Placeholder(8), b.Placeholder(9)),
		p.CollectionID, mimeTypeID, p.RemoteID, p.RemoteRevision, gid,
		totalSize(p.Parts), p.Datetime, p.Datetime, p.RemoteID == "")
	if err != nil {
		return PimItem{}, err
	}
	itemID, err := res.LastInsertId()
	if err != nil {
		return PimItem{}, err
	}

	for _, part := range p.Parts {
		part.PimItemID = itemID
		if err := ds.insertPart(ctx, part); err != nil {
			return PimItem{}, err
		}
	}

	item := PimItem{
		ID: itemID, CollectionID: p.CollectionID, MimeTypeID: mimeTypeID,
		RemoteID: p.RemoteID, RemoteRevision: p.RemoteRevision, GID: gid,
		Size: totalSize(p.Parts), Dirty: p.RemoteID == "",
	}
	resourceName, err := ds.resourceName(ctx, col.ResourceID)
	if err != nil {
		return PimItem{}, err
	}
	ds.Collector.Record(notify.Notification{
		Type:             notify.Item,
		Operation:        notify.Add,
		Entities:         []notify.Entity{{ID: itemID, RemoteID: p.RemoteID, RemoteRevision: p.RemoteRevision, MimeType: p.MimeType}},
		ParentCollection: p.CollectionID,
		Resource:         resourceName,
	})
	return item, nil
}

func (ds *DataStore) resourceName(ctx context.Context, resourceID int64) (string, error) {
	if name, ok := ds.Caches().resources.name(resourceID); ok {
		return name, nil
	}
	row := ds.QueryRow(ctx, fmt.Sprintf("SELECT Name FROM Resources WHERE ID = %s", ds.backend.Placeholder(1)), resourceID)
	var name string
	if err := row.Scan(&name); err != nil {
		return "", err
	}
	ds.Caches().resources.put(name, resourceID)
	return name, nil
}

func totalSize(parts []Part) int64 {
	var n int64
	for _, p := range parts {
		if p.DataSize > n {
			n += p.DataSize
		} else {
			n += int64(len(p.Data))
		}
	}
	return n
}

func (ds *DataStore) insertPart(ctx context.Context, part Part) error {
	if part.DataSize < int64(len(part.Data)) {
		part.DataSize = int64(len(part.Data))
	}
	b := ds.backend
	_, err := ds.Exec(ctx, fmt.Sprintf(
		`INSERT INTO Parts (PimItemID, PartTypeID, Data, DataSize, External, Version) VALUES (%s, %s, %s, %s, %s, %s)`,
		b.Placeholder(1), b.Placeholder(2), b.Placeholder(3), b.Placeholder(4), b.Placeholder(5), b.Placeholder(6)),
		part.PimItemID, part.PartTypeID, part.Data, part.DataSize, part.External, part.Version)
	return err
}

// SetItemsFlags computes the symmetric difference between items'
// current flags and flags, deletes removed relations in one query,
// inserts added relations in one query, and emits items_flags_changed
// only when something changed (spec.md §4.3 set_items_flags).
func (ds *DataStore) SetItemsFlags(ctx context.Context, items []int64, flags []string) error {
	if len(items) == 0 {
		return nil
	}
	flagIDs := make([]int64, 0, len(flags))
	for _, f := range flags {
		id, err := ds.internFlag(ctx, f)
		if err != nil {
			return err
		}
		flagIDs = append(flagIDs, id)
	}

	current, err := ds.itemFlagIDs(ctx, items)
	if err != nil {
		return err
	}
	wantSet := toSet(flagIDs)

	var toAdd, toRemove []int64
	for id := range wantSet {
		if !current[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range current {
		if !wantSet[id] {
			toRemove = append(toRemove, id)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}

	if len(toRemove) > 0 {
		if err := ds.deleteItemFlagRelations(ctx, items, toRemove); err != nil {
			return err
		}
	}
	if len(toAdd) > 0 {
		if err := ds.insertItemFlagRelations(ctx, items, toAdd); err != nil {
			return err
		}
	}

	ds.Collector.Record(notify.Notification{
		Type:         notify.Item,
		Operation:    notify.Modify,
		Entities:     entitiesFromIDs(items),
		AddedFlags:   idsToFlagNames(ds, ctx, toAdd),
		RemovedFlags: idsToFlagNames(ds, ctx, toRemove),
	})
	return nil
}

// AppendItemsFlags adds flags to items without removing any existing
// flag. When checkIfExists is true, only relations that don't already
// exist are inserted, and flagsChanged reports whether any item
// actually gained a flag (spec.md §4.3 append_items_flags).
func (ds *DataStore) AppendItemsFlags(ctx context.Context, items []int64, flags []string, checkIfExists bool) (flagsChanged bool, err error) {
	if len(items) == 0 || len(flags) == 0 {
		return false, nil
	}
	flagIDs := make([]int64, 0, len(flags))
	for _, f := range flags {
		id, err := ds.internFlag(ctx, f)
		if err != nil {
			return false, err
		}
		flagIDs = append(flagIDs, id)
	}

	var pairs [][2]int64
	if checkIfExists {
		existing, err := ds.itemFlagPairs(ctx, items, flagIDs)
		if err != nil {
			return false, err
		}
		for _, itemID := range items {
			for _, flagID := range flagIDs {
				if !existing[[2]int64{itemID, flagID}] {
					pairs = append(pairs, [2]int64{itemID, flagID})
				}
			}
		}
	} else {
		for _, itemID := range items {
			for _, flagID := range flagIDs {
				pairs = append(pairs, [2]int64{itemID, flagID})
			}
		}
	}
	if len(pairs) == 0 {
		return false, nil
	}
	if err := ds.insertItemFlagPairs(ctx, pairs); err != nil {
		return false, err
	}

	ds.Collector.Record(notify.Notification{
		Type:       notify.Item,
		Operation:  notify.Modify,
		Entities:   entitiesFromIDs(items),
		AddedFlags: flags,
	})
	return true, nil
}

// RemoveItemsFlags deletes the given flags from items in a single
// DELETE and emits items_flags_changed with an empty Added set
// (spec.md §4.3 remove_items_flags).
func (ds *DataStore) RemoveItemsFlags(ctx context.Context, items []int64, flags []string) error {
	if len(items) == 0 || len(flags) == 0 {
		return nil
	}
	flagIDs := make([]int64, 0, len(flags))
	for _, f := range flags {
		id, ok := ds.Caches().flags.lookup(f)
		if !ok {
			row := ds.QueryRow(ctx, fmt.Sprintf("SELECT ID FROM Flags WHERE Name = %s", ds.backend.Placeholder(1)), f)
			if err := row.Scan(&id); err == sql.ErrNoRows {
				continue // unknown flag can't be attached to anything; nothing to remove
			} else if err != nil {
				return err
			}
			ds.Caches().flags.put(f, id)
		}
		flagIDs = append(flagIDs, id)
	}
	if len(flagIDs) == 0 {
		return nil
	}
	if err := ds.deleteItemFlagRelations(ctx, items, flagIDs); err != nil {
		return err
	}
	ds.Collector.Record(notify.Notification{
		Type:         notify.Item,
		Operation:    notify.Modify,
		Entities:     entitiesFromIDs(items),
		RemovedFlags: flags,
	})
	return nil
}

// SetItemsTags mirrors SetItemsFlags over PimItemTagRelation, emitting
// items_tags_changed (spec.md §4.3).
func (ds *DataStore) SetItemsTags(ctx context.Context, items []int64, tagIDs []int64) error {
	if len(items) == 0 {
		return nil
	}
	current, err := ds.itemTagIDs(ctx, items)
	if err != nil {
		return err
	}
	wantSet := toSet(tagIDs)

	var toAdd, toRemove []int64
	for id := range wantSet {
		if !current[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range current {
		if !wantSet[id] {
			toRemove = append(toRemove, id)
		}
	}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}
	if len(toRemove) > 0 {
		if err := ds.deleteItemTagRelations(ctx, items, toRemove); err != nil {
			return err
		}
	}
	if len(toAdd) > 0 {
		if err := ds.insertItemTagRelations(ctx, items, toAdd); err != nil {
			return err
		}
	}
	ds.Collector.Record(notify.Notification{
		Type:        notify.Item,
		Operation:   notify.Modify,
		Entities:    entitiesFromIDs(items),
		AddedTags:   toAdd,
		RemovedTags: toRemove,
	})
	return nil
}

// AppendItemsTags mirrors AppendItemsFlags over PimItemTagRelation
// (spec.md §4.3).
func (ds *DataStore) AppendItemsTags(ctx context.Context, items, tagIDs []int64, checkIfExists bool) (tagsChanged bool, err error) {
	if len(items) == 0 || len(tagIDs) == 0 {
		return false, nil
	}
	var pairs [][2]int64
	if checkIfExists {
		existing, err := ds.itemTagPairs(ctx, items, tagIDs)
		if err != nil {
			return false, err
		}
		for _, itemID := range items {
			for _, tagID := range tagIDs {
				if !existing[[2]int64{itemID, tagID}] {
					pairs = append(pairs, [2]int64{itemID, tagID})
				}
			}
		}
	} else {
		for _, itemID := range items {
			for _, tagID := range tagIDs {
				pairs = append(pairs, [2]int64{itemID, tagID})
			}
		}
	}
	if len(pairs) == 0 {
		return false, nil
	}
	if err := ds.insertItemTagPairs(ctx, pairs); err != nil {
		return false, err
	}
	ds.Collector.Record(notify.Notification{
		Type:      notify.Item,
		Operation: notify.Modify,
		Entities:  entitiesFromIDs(items),
		AddedTags: tagIDs,
	})
	return true, nil
}

// RemoveItemsTags mirrors RemoveItemsFlags over PimItemTagRelation
// (spec.md §4.3).
func (ds *DataStore) RemoveItemsTags(ctx context.Context, items, tagIDs []int64) error {
	if len(items) == 0 || len(tagIDs) == 0 {
		return nil
	}
	if err := ds.deleteItemTagRelations(ctx, items, tagIDs); err != nil {
		return err
	}
	ds.Collector.Record(notify.Notification{
		Type:        notify.Item,
		Operation:   notify.Modify,
		Entities:    entitiesFromIDs(items),
		RemovedTags: tagIDs,
	})
	return nil
}

func (ds *DataStore) itemTagIDs(ctx context.Context, items []int64) (map[int64]bool, error) {
	cond := InList("PimItemID", In, int64SliceToAny(items))
	frag, args := cond.Build(ds.backend, new(int))
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT DISTINCT TagID FROM PimItemTagRelation WHERE %s", frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (ds *DataStore) itemTagPairs(ctx context.Context, items, tagIDs []int64) (map[[2]int64]bool, error) {
	argN := new(int)
	itemCond := InList("PimItemID", In, int64SliceToAny(items))
	tagCond := InList("TagID", In, int64SliceToAny(tagIDs))
	frag, args := Group(And, itemCond, tagCond).Build(ds.backend, argN)
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT PimItemID, TagID FROM PimItemTagRelation WHERE %s", frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[[2]int64]bool)
	for rows.Next() {
		var itemID, tagID int64
		if err := rows.Scan(&itemID, &tagID); err != nil {
			return nil, err
		}
		out[[2]int64{itemID, tagID}] = true
	}
	return out, rows.Err()
}

func (ds *DataStore) deleteItemTagRelations(ctx context.Context, items, tagIDs []int64) error {
	argN := new(int)
	itemCond := InList("PimItemID", In, int64SliceToAny(items))
	tagCond := InList("TagID", In, int64SliceToAny(tagIDs))
	frag, args := Group(And, itemCond, tagCond).Build(ds.backend, argN)
	_, err := ds.Exec(ctx, fmt.Sprintf("DELETE FROM PimItemTagRelation WHERE %s", frag), args...)
	return err
}

func (ds *DataStore) insertItemTagRelations(ctx context.Context, items, tagIDs []int64) error {
	var pairs [][2]int64
	for _, itemID := range items {
		for _, tagID := range tagIDs {
			pairs = append(pairs, [2]int64{itemID, tagID})
		}
	}
	return ds.insertItemTagPairs(ctx, pairs)
}

func (ds *DataStore) insertItemTagPairs(ctx context.Context, pairs [][2]int64) error {
	if len(pairs) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(pairs))
	for i, pair := range pairs {
		rows[i] = []interface{}{pair[0], pair[1]}
	}
	q := InsertQuery{Table: "PimItemTagRelation", Columns: []string{"PimItemID", "TagID"}, Rows: rows}
	sqlStr, args := q.Build(ds.backend)
	_, err := ds.Exec(ctx, sqlStr, args...)
	return err
}

func toSet(ids []int64) map[int64]bool {
	s := make(map[int64]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func entitiesFromIDs(ids []int64) []notify.Entity {
	out := make([]notify.Entity, len(ids))
	for i, id := range ids {
		out[i] = notify.Entity{ID: id}
	}
	return out
}

func idsToFlagNames(ds *DataStore, ctx context.Context, ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := ds.Caches().flags.name(id); ok {
			out = append(out, name)
		}
	}
	return out
}

func (ds *DataStore) itemFlagIDs(ctx context.Context, items []int64) (map[int64]bool, error) {
	cond := InList("PimItemID", In, int64SliceToAny(items))
	frag, args := cond.Build(ds.backend, new(int))
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT DISTINCT FlagID FROM PimItemFlagRelation WHERE %s", frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (ds *DataStore) itemFlagPairs(ctx context.Context, items, flagIDs []int64) (map[[2]int64]bool, error) {
	argN := new(int)
	itemCond := InList("PimItemID", In, int64SliceToAny(items))
	flagCond := InList("FlagID", In, int64SliceToAny(flagIDs))
	frag, args := Group(And, itemCond, flagCond).Build(ds.backend, argN)
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT PimItemID, FlagID FROM PimItemFlagRelation WHERE %s", frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[[2]int64]bool)
	for rows.Next() {
		var itemID, flagID int64
		if err := rows.Scan(&itemID, &flagID); err != nil {
			return nil, err
		}
		out[[2]int64{itemID, flagID}] = true
	}
	return out, rows.Err()
}

func (ds *DataStore) deleteItemFlagRelations(ctx context.Context, items, flagIDs []int64) error {
	argN := new(int)
	itemCond := InList("PimItemID", In, int64SliceToAny(items))
	flagCond := InList("FlagID", In, int64SliceToAny(flagIDs))
	frag, args := Group(And, itemCond, flagCond).Build(ds.backend, argN)
	_, err := ds.Exec(ctx, fmt.Sprintf("DELETE FROM PimItemFlagRelation WHERE %s", frag), args...)
	return err
}

func (ds *DataStore) insertItemFlagRelations(ctx context.Context, items, flagIDs []int64) error {
	var pairs [][2]int64
	for _, itemID := range items {
		for _, flagID := range flagIDs {
			pairs = append(pairs, [2]int64{itemID, flagID})
		}
	}
	return ds.insertItemFlagPairs(ctx, pairs)
}

func (ds *DataStore) insertItemFlagPairs(ctx context.Context, pairs [][2]int64) error {
	if len(pairs) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(pairs))
	for i, pair := range pairs {
		rows[i] = []interface{}{pair[0], pair[1]}
	}
	q := InsertQuery{Table: "PimItemFlagRelation", Columns: []string{"PimItemID", "FlagID"}, Rows: rows}
	sqlStr, args := q.Build(ds.backend)
	_, err := ds.Exec(ctx, sqlStr, args...)
	return err
}

func int64SliceToAny(ids []int64) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// RemoveItemParts deletes parts from item by part-type name, joined
// against PartTypes, and emits item_changed (spec.md §4.3
// remove_item_parts).
func (ds *DataStore) RemoveItemParts(ctx context.Context, itemID int64, partNames []string) error {
	if len(partNames) == 0 {
		return nil
	}
	b := ds.backend
	placeholders := make([]string, len(partNames))
	args := make([]interface{}, 0, len(partNames)+1)
	args = append(args, itemID)
	for i, name := range partNames {
		placeholders[i] = b.Placeholder(i + 2)
		args = append(args, name)
	}
	query := fmt.Sprintf(`DELETE FROM Parts WHERE PimItemID = %s AND PartTypeID IN (
		SELECT ID FROM PartTypes WHERE Name IN (%s))`, b.Placeholder(1), strings.Join(placeholders, ", "))
	if _, err := ds.Exec(ctx, query, args...); err != nil {
		return err
	}
	ds.Collector.Record(notify.Notification{
		Type:      notify.Item,
		Operation: notify.Modify,
		Entities:  []notify.Entity{{ID: itemID}},
		Parts:     partNames,
	})
	return nil
}

// InvalidateItemCache sets Data to NULL and DataSize to 0 for every
// payload (PLD) part of item, leaving rows in place so payload can be
// refetched. For an external part this drops the file identifier; the
// file it named is not deleted. It is a no-op on a dirty item, since a dirty item
// has no authoritative remote copy to refetch from (spec.md §4.3
// invalidate_item_cache).
func (ds *DataStore) InvalidateItemCache(ctx context.Context, itemID int64) error {
	var dirty bool
	row := ds.QueryRow(ctx, fmt.Sprintf("SELECT Dirty FROM PimItems WHERE ID = %s", ds.backend.Placeholder(1)), itemID)
	if err := row.Scan(&dirty); err != nil {
		if err == sql.ErrNoRows {
			return ErrUnknownCollection
		}
		return err
	}
	if dirty {
		return nil
	}
	b := ds.backend
	_, err := ds.Exec(ctx, fmt.Sprintf(
		`UPDATE Parts SET Data = NULL, DataSize = 0 WHERE PimItemID = %s
		 AND PartTypeID IN (SELECT ID FROM PartTypes WHERE Namespace = %s)`,
		b.Placeholder(1), b.Placeholder(2)), itemID, NamespacePayload)
	return err
}

// AppendCollection inserts collection, relying on the unique
// (ParentID, Name) index to reject duplicates, and emits
// collection_added (spec.md §4.3 append_collection).
func (ds *DataStore) AppendCollection(ctx context.Context, c Collection) (Collection, error) {
	b := ds.backend
	res, err := ds.Exec(ctx, fmt.Sprintf(
		`INSERT INTO Collections (
			ParentID, ResourceID, Name, RemoteID, RemoteRevision, Subscribed,
			CacheInherit, CacheCheckIntv, CacheTimeout, CacheSyncDemand, CacheLocalParts,
			QueryString, QueryAttributes, QueryCollections, IsVirtual, Referenced
		) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.Placeholder(1), b.Placeholder(2), b.Placeholder(3), b.Placeholder(4), b.Placeholder(5),
		b.Placeholder(6), b.Placeholder(7), b.Placeholder(8), b.Placeholder(9), b.Placeholder(10),
		b.Placeholder(11), b.Placeholder(12), b.Placeholder(13), b.Placeholder(14), b.Placeholder(15), b.Placeholder(16)),
		c.ParentID, c.ResourceID, c.Name, c.RemoteID, c.RemoteRevision, c.Subscribed,
		c.CachePolicy.Inherit, c.CachePolicy.CheckInterval, c.CachePolicy.CacheTimeout,
		c.CachePolicy.SyncOnDemand, c.CachePolicy.LocalParts,
		c.QueryString, c.QueryAttributes, c.QueryCollections, c.IsVirtual, c.Referenced)
	if err != nil {
		return Collection{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Collection{}, err
	}
	c.ID = id
	ds.Caches().collections.put(c)
	ds.Collector.Record(notify.Notification{
		Type:             notify.Collection,
		Operation:        notify.Add,
		Entities:         []notify.Entity{{ID: id, RemoteID: c.RemoteID, RemoteRevision: c.RemoteRevision}},
		ParentCollection: c.ParentID,
	})
	return c, nil
}

// GetCollection fetches a Collection by id, consulting the
// process-wide collection cache first.
func (ds *DataStore) GetCollection(ctx context.Context, id int64) (Collection, error) {
	if c, ok := ds.Caches().collections.get(id); ok {
		return c, nil
	}
	b := ds.backend
	row := ds.QueryRow(ctx, fmt.Sprintf(`SELECT ID, ParentID, ResourceID, Name, RemoteID, RemoteRevision, Subscribed,
		CacheInherit, CacheCheckIntv, CacheTimeout, CacheSyncDemand, CacheLocalParts,
		QueryString, QueryAttributes, QueryCollections, IsVirtual, Referenced
		FROM Collections WHERE ID = %s`, b.Placeholder(1)), id)
	var c Collection
	err := row.Scan(&c.ID, &c.ParentID, &c.ResourceID, &c.Name, &c.RemoteID, &c.RemoteRevision, &c.Subscribed,
		&c.CachePolicy.Inherit, &c.CachePolicy.CheckInterval, &c.CachePolicy.CacheTimeout,
		&c.CachePolicy.SyncOnDemand, &c.CachePolicy.LocalParts,
		&c.QueryString, &c.QueryAttributes, &c.QueryCollections, &c.IsVirtual, &c.Referenced)
	if err == sql.ErrNoRows {
		return Collection{}, ErrUnknownCollection
	}
	if err != nil {
		return Collection{}, err
	}
	ds.Caches().collections.put(c)
	return c, nil
}

// CleanupCollection removes collection and everything it transitively
// owns. On a foreign-key-enforcing backend (MySQL, PostgreSQL), the
// collection row's deletion cascades. CleanupCollection reads the
// identifiers of external payload parts before the delete, but deletes
// none of the files they name. On SQLite, which this schema runs with
// FKs enabled, the same fast path applies uniformly — the slow
// manual-delete path named by spec.md §4.3 exists only for SQLite
// builds without FK support, which this implementation does not
// target. Emits
// items_removed for every contained item before deletion, then
// collection_removed (spec.md §4.3 cleanup_collection).
func (ds *DataStore) CleanupCollection(ctx context.Context, collectionID int64) error {
	col, err := ds.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}

	itemIDs, err := ds.collectionItemIDs(ctx, collectionID)
	if err != nil {
		return err
	}
	externalParts, err := ds.externalPartPaths(ctx, itemIDs)
	if err != nil {
		return err
	}

	if len(itemIDs) > 0 {
		ds.Collector.Record(notify.Notification{
			Type:             notify.Item,
			Operation:        notify.Remove,
			Entities:         entitiesFromIDs(itemIDs),
			ParentCollection: collectionID,
		})
	}

	b := ds.backend
	if _, err := ds.Exec(ctx, fmt.Sprintf("DELETE FROM Collections WHERE ID = %s", b.Placeholder(1)), collectionID); err != nil {
		return err
	}
	ds.Caches().collections.invalidate(collectionID)

	for _, path := range externalParts {
		_ = path // the external file is left in place; this package has no part store to remove it
	}

	ds.Collector.Record(notify.Notification{
		Type:             notify.Collection,
		Operation:        notify.Remove,
		Entities:         []notify.Entity{{ID: collectionID, RemoteID: col.RemoteID}},
		ParentCollection: col.ParentID,
	})
	return nil
}

func (ds *DataStore) collectionItemIDs(ctx context.Context, collectionID int64) ([]int64, error) {
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT ID FROM PimItems WHERE CollectionID = %s", ds.backend.Placeholder(1)), collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ds *DataStore) externalPartPaths(ctx context.Context, itemIDs []int64) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	cond := InList("PimItemID", In, int64SliceToAny(itemIDs))
	frag, args := Group(And, cond, Col("External", Equals, true)).Build(ds.backend, new(int))
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT Data FROM Parts WHERE %s", frag), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		paths = append(paths, string(data))
	}
	return paths, rows.Err()
}

// MoveCollection relocates c under newParent. It is a no-op when c is
// already there, and rejects moving c into itself or a descendant. If
// the target resource differs, it recursively reassigns ResourceID
// for every descendant, blanks their RemoteID/RemoteRevision, and
// marks descendant items dirty with refreshed timestamps, so the new
// resource is forced to fetch definitive data after an abrupt shutdown
// (spec.md §4.3 move_collection).
func (ds *DataStore) MoveCollection(ctx context.Context, collectionID, newParentID int64) error {
	c, err := ds.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if c.ParentID == newParentID {
		return nil
	}
	newParent, err := ds.GetCollection(ctx, newParentID)
	if err != nil {
		return err
	}
	if newParentID == collectionID {
		return fmt.Errorf("storage: cannot move collection into itself")
	}
	isDescendant, err := ds.isDescendant(ctx, newParentID, collectionID)
	if err != nil {
		return err
	}
	if isDescendant {
		return fmt.Errorf("storage: cannot move collection into its own descendant")
	}

	oldParentID, oldResourceID := c.ParentID, c.ResourceID
	b := ds.backend
	if _, err := ds.Exec(ctx, fmt.Sprintf("UPDATE Collections SET ParentID = %s WHERE ID = %s", b.Placeholder(1), b.Placeholder(2)), newParentID, collectionID); err != nil {
		return err
	}
	ds.Caches().collections.invalidate(collectionID)

	if newParent.ResourceID != oldResourceID {
		if err := ds.reassignResourceRecursive(ctx, collectionID, newParent.ResourceID); err != nil {
			return err
		}
	}

	ds.Collector.Record(notify.Notification{
		Type:                 notify.Collection,
		Operation:            notify.Move,
		Entities:             []notify.Entity{{ID: collectionID, RemoteID: c.RemoteID}},
		ParentCollection:     oldParentID,
		ParentDestCollection: newParentID,
	})
	return nil
}

func (ds *DataStore) isDescendant(ctx context.Context, candidateID, ancestorID int64) (bool, error) {
	id := candidateID
	for id != RootCollectionID {
		if id == ancestorID {
			return true, nil
		}
		c, err := ds.GetCollection(ctx, id)
		if err != nil {
			return false, err
		}
		id = c.ParentID
	}
	return false, nil
}

func (ds *DataStore) reassignResourceRecursive(ctx context.Context, collectionID, newResourceID int64) error {
	b := ds.backend
	if _, err := ds.Exec(ctx, fmt.Sprintf(
		`UPDATE Collections SET ResourceID = %s, RemoteID = '', RemoteRevision = '' WHERE ID = %s`,
		b.Placeholder(1), b.Placeholder(2)), newResourceID, collectionID); err != nil {
		return err
	}
	ds.Caches().collections.invalidate(collectionID)

	if _, err := ds.Exec(ctx, fmt.Sprintf(
		`UPDATE PimItems SET Dirty = TRUE, RemoteID = '', RemoteRevision = '', Atime = %s WHERE CollectionID = %s`,
		b.Placeholder(1), b.Placeholder(2)), time.Now().Unix(), collectionID); err != nil {
		return err
	}

	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT ID FROM Collections WHERE ParentID = %s", b.Placeholder(1)), collectionID)
	if err != nil {
		return err
	}
	var childIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		childIDs = append(childIDs, id)
	}
	rows.Close()

	for _, childID := range childIDs {
		if err := ds.reassignResourceRecursive(ctx, childID, newResourceID); err != nil {
			return err
		}
	}
	return nil
}

// CopyCollection recreates collection under newParent: a new row with
// the same Name/CachePolicy/query fields but newParent's ResourceID, a
// blank RemoteID/RemoteRevision (it is not the same remote object), and
// the same mime type associations. It does not copy contained items;
// COPY on a live resource collection is expected to be followed by the
// resource re-populating it (ColCopy in the original server the same
// way only copies the collection's own metadata and mimetype set).
func (ds *DataStore) CopyCollection(ctx context.Context, collectionID, newParentID int64) (Collection, error) {
	src, err := ds.GetCollection(ctx, collectionID)
	if err != nil {
		return Collection{}, err
	}
	newParent, err := ds.GetCollection(ctx, newParentID)
	if err != nil {
		return Collection{}, err
	}

	dst := src
	dst.ID = 0
	dst.ParentID = newParentID
	dst.ResourceID = newParent.ResourceID
	dst.RemoteID = ""
	dst.RemoteRevision = ""

	dst, err = ds.AppendCollection(ctx, dst)
	if err != nil {
		return Collection{}, err
	}

	b := ds.backend
	rows, err := ds.Query(ctx, fmt.Sprintf(
		`SELECT MimeTypes.Name FROM CollectionMimeTypeRelation
		JOIN MimeTypes ON MimeTypes.ID = CollectionMimeTypeRelation.MimeTypeID
		WHERE CollectionMimeTypeRelation.CollectionID = %s`, b.Placeholder(1)), collectionID)
	if err != nil {
		return Collection{}, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return Collection{}, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Collection{}, err
	}
	if len(names) > 0 {
		if err := ds.AppendMimeTypeForCollection(ctx, dst.ID, names); err != nil {
			return Collection{}, err
		}
	}
	return dst, nil
}

// ModifyCollection updates the subset of fields present in set, keyed
// by the same attribute names handleModify reads off the wire
// (spec.md §6's attribute-list grammar). It is the one mutation spec.md
// names that genuinely modifies a row in place rather than appending or
// removing one.
type CollectionModify struct {
	Name             *string
	Subscribed       *bool
	QueryString      *string
	QueryAttributes  *string
	QueryCollections *string
	CachePolicy      *CachePolicy
	Referenced       *bool
}

func (ds *DataStore) ModifyCollection(ctx context.Context, collectionID int64, set CollectionModify) (Collection, error) {
	c, err := ds.GetCollection(ctx, collectionID)
	if err != nil {
		return Collection{}, err
	}
	if set.Name != nil {
		c.Name = *set.Name
	}
	if set.Subscribed != nil {
		c.Subscribed = *set.Subscribed
	}
	if set.QueryString != nil {
		c.QueryString = *set.QueryString
	}
	if set.QueryAttributes != nil {
		c.QueryAttributes = *set.QueryAttributes
	}
	if set.QueryCollections != nil {
		c.QueryCollections = *set.QueryCollections
	}
	if set.CachePolicy != nil {
		c.CachePolicy = *set.CachePolicy
	}
	if set.Referenced != nil {
		c.Referenced = *set.Referenced
	}

	b := ds.backend
	if _, err := ds.Exec(ctx, fmt.Sprintf(
		`UPDATE Collections SET Name = %s, Subscribed = %s,
			CacheInherit = %s, CacheCheckIntv = %s, CacheTimeout = %s, CacheSyncDemand = %s, CacheLocalParts = %s,
			QueryString = %s, QueryAttributes = %s, QueryCollections = %s, Referenced = %s
		WHERE ID = %s`,
		b.Placeholder(1), b.Placeholder(2), b.Placeholder(3), b.Placeholder(4), b.Placeholder(5),
		b.Placeholder(6), b.Placeholder(7), b.Placeholder(8), b.Placeholder(9), b.Placeholder(10),
		b.Placeholder(11), b.Placeholder(12)),
		c.Name, c.Subscribed, c.CachePolicy.Inherit, c.CachePolicy.CheckInterval, c.CachePolicy.CacheTimeout,
		c.CachePolicy.SyncOnDemand, c.CachePolicy.LocalParts, c.QueryString, c.QueryAttributes,
		c.QueryCollections, c.Referenced, collectionID); err != nil {
		return Collection{}, err
	}
	ds.Caches().collections.invalidate(collectionID)

	ds.Collector.Record(notify.Notification{
		Type:             notify.Collection,
		Operation:        notify.Modify,
		Entities:         []notify.Entity{{ID: collectionID, RemoteID: c.RemoteID, RemoteRevision: c.RemoteRevision}},
		ParentCollection: c.ParentID,
	})
	return c, nil
}

// AppendMimeTypeForCollection interns each name not already present
// in MimeType, then inserts the collection relation; the unique index
// on CollectionMimeTypeRelation prevents duplicates (spec.md §4.3
// append_mime_type_for_collection).
func (ds *DataStore) AppendMimeTypeForCollection(ctx context.Context, collectionID int64, names []string) error {
	for _, name := range names {
		mimeTypeID, err := ds.internMimeType(ctx, name)
		if err != nil {
			return err
		}
		b := ds.backend
		_, err = ds.Exec(ctx, fmt.Sprintf(
			`INSERT INTO CollectionMimeTypeRelation (CollectionID, MimeTypeID) VALUES (%s, %s)`,
			b.Placeholder(1), b.Placeholder(2)), collectionID, mimeTypeID)
		if err != nil && !isDuplicateKeyErr(err) {
			return err
		}
	}
	return nil
}

func isDuplicateKeyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "duplicate key")
}

// ActiveCachePolicy walks ancestors of collectionID while
// CachePolicy.Inherit holds, returning the first non-inheriting
// ancestor's policy. If the whole chain up to the root inherits, it
// returns DefaultCachePolicy (spec.md §4.3 active_cache_policy).
func (ds *DataStore) ActiveCachePolicy(ctx context.Context, collectionID int64) (CachePolicy, error) {
	id := collectionID
	for {
		if id == RootCollectionID {
			return DefaultCachePolicy(), nil
		}
		c, err := ds.GetCollection(ctx, id)
		if err != nil {
			return CachePolicy{}, err
		}
		if !c.CachePolicy.Inherit {
			return c.CachePolicy, nil
		}
		id = c.ParentID
	}
}

func (ds *DataStore) internMimeType(ctx context.Context, name string) (int64, error) {
	if id, ok := ds.Caches().mimeTypes.lookup(name); ok {
		return id, nil
	}
	id, err := ds.internNamed(ctx, "MimeTypes", name)
	if err != nil {
		return 0, err
	}
	ds.Caches().mimeTypes.put(name, id)
	return id, nil
}

func (ds *DataStore) internFlag(ctx context.Context, name string) (int64, error) {
	if id, ok := ds.Caches().flags.lookup(name); ok {
		return id, nil
	}
	id, err := ds.internNamed(ctx, "Flags", name)
	if err != nil {
		return 0, err
	}
	ds.Caches().flags.put(name, id)
	return id, nil
}

// internNamed looks up (or creates) a row in a uniquely-named-row
// table (MimeTypes, Flags) and returns its id.
func (ds *DataStore) internNamed(ctx context.Context, table, name string) (int64, error) {
	b := ds.backend
	row := ds.QueryRow(ctx, fmt.Sprintf("SELECT ID FROM %s WHERE Name = %s", table, b.Placeholder(1)), name)
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := ds.Exec(ctx, fmt.Sprintf("INSERT INTO %s (Name) VALUES (%s)", table, b.Placeholder(1)), name)
	if err != nil {
		if isDuplicateKeyErr(err) {
			// Lost a race with another session interning the same name;
			// the row now exists, so look it up again.
			row := ds.QueryRow(ctx, fmt.Sprintf("SELECT ID FROM %s WHERE Name = %s", table, b.Placeholder(1)), name)
			if err := row.Scan(&id); err != nil {
				return 0, err
			}
			return id, nil
		}
		return 0, err
	}
	return res.LastInsertId()
}

// InternPartType looks up (or creates) the PartType row for (namespace,
// name), e.g. ("PLD", "RFC822"), and returns its id. Handlers resolve
// every Part's PartTypeID this way before calling AppendItem.
func (ds *DataStore) InternPartType(ctx context.Context, namespace, name string) (int64, error) {
	b := ds.backend
	row := ds.QueryRow(ctx, fmt.Sprintf("SELECT ID FROM PartTypes WHERE Namespace = %s AND Name = %s",
		b.Placeholder(1), b.Placeholder(2)), namespace, name)
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := ds.Exec(ctx, fmt.Sprintf("INSERT INTO PartTypes (Namespace, Name) VALUES (%s, %s)",
		b.Placeholder(1), b.Placeholder(2)), namespace, name)
	if err != nil {
		if isDuplicateKeyErr(err) {
			row := ds.QueryRow(ctx, fmt.Sprintf("SELECT ID FROM PartTypes WHERE Namespace = %s AND Name = %s",
				b.Placeholder(1), b.Placeholder(2)), namespace, name)
			if err := row.Scan(&id); err != nil {
				return 0, err
			}
			return id, nil
		}
		return 0, err
	}
	return res.LastInsertId()
}

// LinkedItemIDs returns the set of item ids currently linked into
// collectionID's CollectionPimItemRelation membership.
func (ds *DataStore) LinkedItemIDs(ctx context.Context, collectionID int64) (map[int64]bool, error) {
	rows, err := ds.Query(ctx, fmt.Sprintf("SELECT PimItemID FROM CollectionPimItemRelation WHERE CollectionID = %s",
		ds.backend.Placeholder(1)), collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// LinkItems adds items to a virtual collection's membership, skipping
// ids already linked, and emits items_linked (spec.md §4.3's LINK
// verb, and the search update loop's step 5).
func (ds *DataStore) LinkItems(ctx context.Context, collectionID int64, items []int64) error {
	if len(items) == 0 {
		return nil
	}
	existing, err := ds.LinkedItemIDs(ctx, collectionID)
	if err != nil {
		return err
	}
	var toLink []int64
	for _, id := range items {
		if !existing[id] {
			toLink = append(toLink, id)
		}
	}
	if len(toLink) == 0 {
		return nil
	}
	b := ds.backend
	for _, id := range toLink {
		if _, err := ds.Exec(ctx, fmt.Sprintf("INSERT INTO CollectionPimItemRelation (CollectionID, PimItemID) VALUES (%s, %s)",
			b.Placeholder(1), b.Placeholder(2)), collectionID, id); err != nil {
			return err
		}
	}
	ds.Collector.Record(notify.Notification{
		Type:             notify.Relation,
		Operation:        notify.Link,
		Entities:         entitiesFromIDs(toLink),
		ParentCollection: collectionID,
	})
	return nil
}

// UnlinkItems removes items from a virtual collection's membership and
// emits items_unlinked for any id that was actually present.
func (ds *DataStore) UnlinkItems(ctx context.Context, collectionID int64, items []int64) error {
	if len(items) == 0 {
		return nil
	}
	existing, err := ds.LinkedItemIDs(ctx, collectionID)
	if err != nil {
		return err
	}
	var toUnlink []int64
	for _, id := range items {
		if existing[id] {
			toUnlink = append(toUnlink, id)
		}
	}
	if len(toUnlink) == 0 {
		return nil
	}
	b := ds.backend
	for _, id := range toUnlink {
		if _, err := ds.Exec(ctx, fmt.Sprintf("DELETE FROM CollectionPimItemRelation WHERE CollectionID = %s AND PimItemID = %s",
			b.Placeholder(1), b.Placeholder(2)), collectionID, id); err != nil {
			return err
		}
	}
	ds.Collector.Record(notify.Notification{
		Type:             notify.Relation,
		Operation:        notify.Unlink,
		Entities:         entitiesFromIDs(toUnlink),
		ParentCollection: collectionID,
	})
	return nil
}

// VirtualCollectionIDs returns every collection currently marked
// IsVirtual, for callers that need to re-evaluate search-collection
// membership after a write that could change it.
func (ds *DataStore) VirtualCollectionIDs(ctx context.Context) ([]int64, error) {
	rows, err := ds.Query(ctx, "SELECT ID FROM Collections WHERE IsVirtual = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NamedPart is one stored Part alongside its PartType's namespace and
// name, the shape FETCH hands back to a client (and itemcleave.Rebuild
// consumes for message/rfc822 items).
type NamedPart struct {
	Namespace string
	Name      string
	Part      Part
}

// GetItemParts returns every Part attached to itemID together with
// its PartType name, joined the same way InternPartType looks a
// PartType up by (Namespace, Name).
func (ds *DataStore) GetItemParts(ctx context.Context, itemID int64) ([]NamedPart, error) {
	b := ds.backend
	rows, err := ds.Query(ctx, fmt.Sprintf(`SELECT Parts.ID, Parts.PartTypeID, Parts.Data, Parts.DataSize,
		Parts.External, Parts.Version, PartTypes.Namespace, PartTypes.Name
		FROM Parts JOIN PartTypes ON PartTypes.ID = Parts.PartTypeID
		WHERE Parts.PimItemID = %s`, b.Placeholder(1)), itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NamedPart
	for rows.Next() {
		var np NamedPart
		np.Part.PimItemID = itemID
		if err := rows.Scan(&np.Part.ID, &np.Part.PartTypeID, &np.Part.Data, &np.Part.DataSize,
			&np.Part.External, &np.Part.Version, &np.Namespace, &np.Name); err != nil {
			return nil, err
		}
		out = append(out, np)
	}
	return out, rows.Err()
}
