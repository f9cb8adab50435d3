package protoserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xrg/akonadi/itemcleave"
	"github.com/xrg/akonadi/notify"
	"github.com/xrg/akonadi/proto"
	"github.com/xrg/akonadi/storage"
)

type handler struct {
	alwaysAllowed bool
	allowedIn     map[ConnState]bool
	fn            func(c *Conn)
}

func allowed(states ...ConnState) map[ConnState]bool {
	m := make(map[ConnState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// handlers is the verb dispatch table (spec.md §4.6's three-step
// lookup: always-allowed, then state-permitted, then unknown-command).
var handlers = map[string]handler{
	"CAPABILITY": {alwaysAllowed: true, fn: handleCapability},
	"NOOP":       {alwaysAllowed: true, fn: handleNoop},
	"LOGOUT":     {alwaysAllowed: true, fn: handleLogout},

	"LOGIN": {allowedIn: allowed(NonAuthenticated), fn: handleLogin},

	"X-AKAPPEND":  {allowedIn: allowed(Authenticated, Selected), fn: handleAkAppend},
	"FETCH":       {allowedIn: allowed(Authenticated, Selected), fn: handleFetch},
	"STORE":       {allowedIn: allowed(Authenticated, Selected), fn: handleStore},
	"TAGAPPEND":   {allowedIn: allowed(Authenticated, Selected), fn: handleTagAppend},
	"TAGSTORE":    {allowedIn: allowed(Authenticated, Selected), fn: handleTagStore},
	"TAGREMOVE":   {allowedIn: allowed(Authenticated, Selected), fn: handleTagRemove},
	"LINK":        {allowedIn: allowed(Authenticated, Selected), fn: handleLink},
	"UNLINK":      {allowedIn: allowed(Authenticated, Selected), fn: handleUnlink},
	"MOVE":        {allowedIn: allowed(Authenticated, Selected), fn: handleMove},
	"COPY":        {allowedIn: allowed(Authenticated, Selected), fn: handleCopy},
	"MODIFY":      {allowedIn: allowed(Authenticated, Selected), fn: handleModify},
	"SEARCH":      {allowedIn: allowed(Authenticated, Selected), fn: handleSearch},
	"SUBSCRIBE":   {allowedIn: allowed(Authenticated, Selected), fn: handleSubscribe},
	"UNSUBSCRIBE": {allowedIn: allowed(Authenticated, Selected), fn: handleUnsubscribe},
}

const capabilityLine = "CAPABILITY X-AKAPPEND FETCH STORE TAGAPPEND TAGSTORE TAGREMOVE LINK UNLINK MOVE COPY MODIFY SUBSCRIBE UNSUBSCRIBE SEARCH NOTIFY"

func handleCapability(c *Conn) {
	c.untagged(capabilityLine)
	c.respond("OK", "Capability completed")
}

func handleNoop(c *Conn) {
	c.respond("OK", "Noop completed")
}

func handleLogout(c *Conn) {
	c.untagged("BYE Logging out")
	c.respond("OK", "Logout completed")
	c.state = LoggingOut
}

// handleLogin implements the LOGIN verb: "<tag> LOGIN <resource>
// <secret>", authenticating against the Resource's stored shared
// secret (package agentchannel). A session that never authenticates
// stays NonAuthenticated and only CAPABILITY/NOOP/LOGOUT are reachable.
func handleLogin(c *Conn) {
	remote := c.netConn.RemoteAddr().String()
	if c.server.LoginThrottle != nil {
		c.server.LoginThrottle.Throttle(remote)
	}

	user, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing login arguments")
		return
	}
	secret, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing login secret")
		return
	}
	if c.server.Auth == nil {
		c.respond("NO", "Login not supported")
		return
	}
	sessionID, err := c.server.Auth(c.ctx(), user, secret)
	if err != nil {
		if c.server.LoginThrottle != nil {
			c.server.LoginThrottle.Add(remote)
		}
		c.respond("NO", "Login failed: %v", err)
		return
	}
	c.Resource = sessionID
	c.state = Authenticated
	c.respond("OK", "Login completed")
}

// handleAkAppend implements the X-AKAPPEND verb: "<tag> X-AKAPPEND
// <collection> <mimetype> (attr-list) "<datetime>" (<partname>
// <value-or-literal> ...)", answering with "<tag> OK [UIDNEXT <id>
// DATETIME "<date>"] Append completed" or a tagged NO naming the
// unknown collection.
func handleAkAppend(c *Conn) {
	collectionTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing collection id")
		return
	}
	collectionID, err := strconv.ParseInt(string(collectionTok), 10, 64)
	if err != nil {
		c.respond("BAD", "Malformed collection id: %v", err)
		return
	}

	mimeTypeTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing mimetype")
		return
	}
	mimeType := string(mimeTypeTok)

	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}

	dateTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing datetime")
		return
	}

	parts, names, err := readPartList(c.p)
	if err != nil {
		c.respond("BAD", "Malformed part list: %v", err)
		return
	}
	if mimeType == "message/rfc822" {
		parts, names, err = cleaveRFC822(c, parts, names)
		if err != nil {
			c.respond("NO", "Append failed: %v", err)
			return
		}
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}

	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	if _, err := ds.GetCollection(ctx, collectionID); err != nil {
		c.respond("NO", "Unknown collection for '%d'.", collectionID)
		return
	}

	p := storage.AppendItemParams{
		MimeType:     mimeType,
		CollectionID: collectionID,
		Datetime:     parseAkonadiDatetime(string(dateTok)),
		Parts:        parts,
	}
	for _, a := range attrs {
		switch a.Key {
		case "RemoteId":
			p.RemoteID = string(a.Value)
		case "RemoteRevision":
			p.RemoteRevision = string(a.Value)
		case "Gid":
			p.GID = string(a.Value)
		}
	}

	for i, name := range names {
		ns, label := storage.NamespacePayload, name
		if idx := strings.IndexByte(name, ':'); idx >= 0 {
			ns, label = name[:idx], name[idx+1:]
		}
		ptID, err := ds.InternPartType(ctx, ns, label)
		if err != nil {
			c.respond("NO", "Internal error: %v", err)
			return
		}
		p.Parts[i].PartTypeID = ptID
	}

	item, err := ds.AppendItem(ctx, p)
	if err != nil {
		c.respond("NO", "Append failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Append failed: %v", err)
		return
	}

	touchVirtualCollections(c, ctx, ds)
	c.respond("OK", `[UIDNEXT %d DATETIME "%s"] Append completed`, item.ID, formatAkonadiDatetime(p.Datetime))
}

// cleaveRFC822 replaces a raw "RFC822" part in an X-AKAPPEND of a
// message/rfc822 item with the PLD:HEADER/PLD:BODY/PLD:ENVELOPE split
// package itemcleave produces, so FETCH can hand either the split
// parts or a rebuilt rfc822 stream back to a client. A part list with
// no "RFC822" entry is returned unchanged.
func cleaveRFC822(c *Conn, parts []storage.Part, names []string) ([]storage.Part, []string, error) {
	raw := -1
	for i, name := range names {
		if name == "RFC822" {
			raw = i
			break
		}
	}
	if raw < 0 {
		return parts, names, nil
	}

	cleaved, err := itemcleave.Cleave(c.server.Filer, bytes.NewReader(parts[raw].Data))
	if err != nil {
		return nil, nil, err
	}

	out := append(parts[:raw:raw], parts[raw+1:]...)
	outNames := append(names[:raw:raw], names[raw+1:]...)
	for _, pv := range []struct {
		name string
		data []byte
	}{
		{itemcleave.HeaderPart, cleaved.Header},
		{itemcleave.BodyPart, cleaved.Body},
		{itemcleave.EnvelopePart, cleaved.Envelope},
	} {
		out = append(out, storage.Part{Data: pv.data, DataSize: int64(len(pv.data))})
		outNames = append(outNames, storage.NamespacePayload+":"+pv.name)
	}
	return out, outNames, nil
}

// handleStore implements STORE: "<tag> STORE <item-id>,... (attr-list)"
// where attributes carry Flags/AddFlags/RemoveFlags-shaped values, a
// space-separated list of flag names inside the bracket value.
func handleStore(c *Conn) {
	items, err := readIDList(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "Malformed item list: %v", err)
		return
	}
	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	for _, a := range attrs {
		flags := strings.Fields(string(a.Value))
		switch a.Key {
		case "Flags":
			err = ds.SetItemsFlags(ctx, items, flags)
		case "AddFlags":
			_, err = ds.AppendItemsFlags(ctx, items, flags, true)
		case "RemoveFlags":
			err = ds.RemoveItemsFlags(ctx, items, flags)
		}
		if err != nil {
			c.respond("NO", "Store failed: %v", err)
			return
		}
	}

	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Store failed: %v", err)
		return
	}
	touchVirtualCollections(c, ctx, ds)
	c.respond("OK", "Store completed")
}

// handleTagAppend implements TAGAPPEND: "<tag> TAGAPPEND <item-id>,...
// <tag-id>,...".
func handleTagAppend(c *Conn) {
	storeTagsVerb(c, func(ds *storage.DataStore, ctx context.Context, items, tagIDs []int64) error {
		_, err := ds.AppendItemsTags(ctx, items, tagIDs, true)
		return err
	})
}

// handleTagStore implements TAGSTORE: "<tag> TAGSTORE <item-id>,...
// <tag-id>,...", replacing each item's tag set wholesale.
func handleTagStore(c *Conn) {
	storeTagsVerb(c, func(ds *storage.DataStore, ctx context.Context, items, tagIDs []int64) error {
		return ds.SetItemsTags(ctx, items, tagIDs)
	})
}

// handleTagRemove implements TAGREMOVE: "<tag> TAGREMOVE <item-id>,...
// <tag-id>,...".
func handleTagRemove(c *Conn) {
	storeTagsVerb(c, func(ds *storage.DataStore, ctx context.Context, items, tagIDs []int64) error {
		return ds.RemoveItemsTags(ctx, items, tagIDs)
	})
}

func storeTagsVerb(c *Conn, apply func(ds *storage.DataStore, ctx context.Context, items, tagIDs []int64) error) {
	items, err := readIDList(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "Malformed item list: %v", err)
		return
	}
	tagIDs, err := readIDList(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "Malformed tag list: %v", err)
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	if err := apply(ds, ctx, items, tagIDs); err != nil {
		c.respond("NO", "Tag operation failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Tag operation failed: %v", err)
		return
	}
	touchVirtualCollections(c, ctx, ds)
	c.respond("OK", "Tag operation completed")
}

// handleLink implements LINK: "<tag> LINK <collection> <item-id>,...",
// adding items to a virtual collection's membership directly (the
// manual counterpart to the query-driven membership package search
// maintains for the same collection).
func handleLink(c *Conn) {
	linkVerb(c, true)
}

// handleUnlink implements UNLINK: "<tag> UNLINK <collection>
// <item-id>,...".
func handleUnlink(c *Conn) {
	linkVerb(c, false)
}

func linkVerb(c *Conn, link bool) {
	collectionTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing collection id")
		return
	}
	collectionID, err := strconv.ParseInt(string(collectionTok), 10, 64)
	if err != nil {
		c.respond("BAD", "Malformed collection id: %v", err)
		return
	}
	items, err := readIDList(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "Malformed item list: %v", err)
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if _, err := ds.GetCollection(ctx, collectionID); err != nil {
		c.respond("NO", "Unknown collection for '%d'.", collectionID)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	if link {
		err = ds.LinkItems(ctx, collectionID, items)
	} else {
		err = ds.UnlinkItems(ctx, collectionID, items)
	}
	if err != nil {
		c.respond("NO", "Link operation failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Link operation failed: %v", err)
		return
	}
	touchVirtualCollections(c, ctx, ds)
	c.respond("OK", "Link completed")
}

// handleMove implements MOVE: "<tag> MOVE <collection> <dest-parent>",
// reparenting collection under dest-parent (spec.md §4.3
// move_collection; the cross-resource case recursively resets
// descendants).
func handleMove(c *Conn) {
	collectionID, destID, err := readTwoCollectionIDs(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "%v", err)
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	if err := ds.MoveCollection(ctx, collectionID, destID); err != nil {
		c.respond("NO", "Move failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Move failed: %v", err)
		return
	}
	c.respond("OK", "Move completed")
}

// handleCopy implements COPY: "<tag> COPY <collection> <dest-parent>",
// recreating collection's metadata and mime type set under dest-parent
// without its contained items (spec.md §4.3, grounded on the original
// server's ColCopy handler).
func handleCopy(c *Conn) {
	collectionID, destID, err := readTwoCollectionIDs(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "%v", err)
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	created, err := ds.CopyCollection(ctx, collectionID, destID)
	if err != nil {
		c.respond("NO", "Copy failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Copy failed: %v", err)
		return
	}
	c.respond("OK", "[COLLECTION %d] Copy completed", created.ID)
}

// handleModify implements MODIFY: "<tag> MODIFY <collection>
// (attr-list)", updating only the attributes present in the list. A
// key prefixed with "-" (e.g. "-QueryString") clears that field to its
// zero value instead of setting it (spec.md §6's "-prefix deletion").
func handleModify(c *Conn) {
	collectionTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing collection id")
		return
	}
	collectionID, err := strconv.ParseInt(string(collectionTok), 10, 64)
	if err != nil {
		c.respond("BAD", "Malformed collection id: %v", err)
		return
	}
	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}

	var set storage.CollectionModify
	for _, a := range attrs {
		key := a.Key
		clear := strings.HasPrefix(key, "-")
		key = strings.TrimPrefix(key, "-")
		val := string(a.Value)
		if clear {
			val = ""
		}
		switch key {
		case "Name":
			set.Name = &val
		case "QueryString":
			set.QueryString = &val
		case "QueryAttributes":
			set.QueryAttributes = &val
		case "QueryCollections":
			set.QueryCollections = &val
		case "Subscribed":
			v := !clear && val == "true"
			set.Subscribed = &v
		case "Referenced":
			v := !clear && val == "true"
			set.Referenced = &v
		}
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	defer ds.Rollback()

	if _, err := ds.ModifyCollection(ctx, collectionID, set); err != nil {
		c.respond("NO", "Modify failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Modify failed: %v", err)
		return
	}
	c.respond("OK", "Modify completed")
}

func readTwoCollectionIDs(s *proto.Scanner) (a, b int64, err error) {
	aTok, _, ok := s.ReadAtom()
	if !ok {
		return 0, 0, fmt.Errorf("missing source collection id")
	}
	a, err = strconv.ParseInt(string(aTok), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed source collection id: %v", err)
	}
	bTok, _, ok := s.ReadAtom()
	if !ok {
		return 0, 0, fmt.Errorf("missing destination collection id")
	}
	b, err = strconv.ParseInt(string(bTok), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed destination collection id: %v", err)
	}
	return a, b, nil
}

// handleSearch implements SEARCH: "<tag> SEARCH <name> (attr-list)"
// where attributes carry QueryString/QueryCollections/QueryAttributes,
// creating a virtual collection under the root and running its first
// update synchronously before responding (package search's debounced
// update loop takes over for later Touch calls).
func handleSearch(c *Conn) {
	nameTok, _, ok := c.p.Scanner.ReadAtom()
	if !ok {
		c.respond("BAD", "Missing search name")
		return
	}
	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}

	col := storage.Collection{
		ParentID:  0,
		Name:      string(nameTok),
		IsVirtual: true,
	}
	for _, a := range attrs {
		switch a.Key {
		case "QueryString":
			col.QueryString = string(a.Value)
		case "QueryCollections":
			col.QueryCollections = string(a.Value)
		case "QueryAttributes", "MimeType":
			col.QueryAttributes = string(a.Value)
		}
	}
	if len(col.QueryString) > 0 && len(col.QueryString) > 32768 {
		c.respond("NO", "Query too long")
		return
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	if err := ds.Begin(ctx); err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}
	created, err := ds.AppendCollection(ctx, col)
	if err != nil {
		ds.Rollback()
		c.respond("NO", "Search failed: %v", err)
		return
	}
	if err := ds.Commit(ctx); err != nil {
		c.respond("NO", "Search failed: %v", err)
		return
	}

	if c.server.Search != nil {
		if err := c.server.Search.UpdateNow(ctx, created.ID); err != nil {
			c.Logf("search: initial update of collection %d failed: %v", created.ID, err)
		}
	}
	c.respond("OK", "[COLLECTION %d] Search completed", created.ID)
}

// handleSubscribe implements SUBSCRIBE: "<tag> SUBSCRIBE (attr-list)"
// where attribute keys name what to monitor (the Source filter
// dimensions of package notify).
func handleSubscribe(c *Conn) {
	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}
	if c.source == nil {
		c.source = notify.NewSource(c.ID)
		c.server.Manager.Register(c.source)
	}
	applySourceAttrs(c.source, attrs)
	c.respond("OK", "Subscribe completed")
}

func handleUnsubscribe(c *Conn) {
	if c.source != nil {
		c.server.Manager.Unregister(c.source.ID)
		c.source = nil
	}
	c.respond("OK", "Unsubscribe completed")
}

func applySourceAttrs(s *notify.Source, attrs []proto.AttrValue) {
	for _, a := range attrs {
		switch a.Key {
		case "MonitorAll":
			s.SetAllMonitored(true)
		case "MonitorCollection":
			for _, tok := range strings.Fields(string(a.Value)) {
				if id, err := strconv.ParseInt(tok, 10, 64); err == nil {
					s.MonitorCollection(id)
				}
			}
		case "MonitorItem":
			for _, tok := range strings.Fields(string(a.Value)) {
				if id, err := strconv.ParseInt(tok, 10, 64); err == nil {
					s.MonitorItem(id)
				}
			}
		case "MonitorResource":
			for _, tok := range strings.Fields(string(a.Value)) {
				s.MonitorResource(tok)
			}
		case "MonitorMimeType":
			for _, tok := range strings.Fields(string(a.Value)) {
				s.MonitorMimeType(tok)
			}
		case "IgnoreSession":
			s.IgnoreSession(string(a.Value))
		}
	}
}

// handleFetch implements FETCH: "<tag> FETCH <item-id>,... (attr-list)".
// An attribute key of RFC822 rebuilds a message/rfc822 item's original
// stream via itemcleave.Rebuild from its PLD:HEADER/PLD:BODY parts;
// otherwise every stored part is returned by its "NAMESPACE:NAME" label.
// Each response line is "* <item-id> FETCH (<label> {N}\r\n<bytes> ...)".
func handleFetch(c *Conn) {
	items, err := readIDList(c.p.Scanner)
	if err != nil {
		c.respond("BAD", "Malformed item list: %v", err)
		return
	}
	attrs, err := c.p.ReadAttrList()
	if err != nil {
		c.respond("BAD", "Malformed attribute list: %v", err)
		return
	}
	wantRFC822 := false
	for _, a := range attrs {
		if a.Key == "RFC822" {
			wantRFC822 = true
		}
	}

	ctx := c.ctx()
	ds, err := c.dataStore(ctx)
	if err != nil {
		c.respond("NO", "Internal error: %v", err)
		return
	}

	for _, id := range items {
		parts, err := ds.GetItemParts(ctx, id)
		if err != nil {
			c.respond("NO", "Fetch failed: %v", err)
			return
		}

		c.bw.WriteString(fmt.Sprintf("* %d FETCH (", id))
		first := true
		writePart := func(label string, data []byte) {
			if !first {
				c.bw.WriteByte(' ')
			}
			first = false
			c.bw.WriteString(label)
			c.bw.WriteByte(' ')
			c.writeLiteral(data)
		}

		if wantRFC822 {
			var header, body []byte
			for _, np := range parts {
				switch {
				case np.Namespace == storage.NamespacePayload && np.Name == itemcleave.HeaderPart:
					header = np.Part.Data
				case np.Namespace == storage.NamespacePayload && np.Name == itemcleave.BodyPart:
					body = np.Part.Data
				}
			}
			if header == nil {
				c.bw.WriteString(")\r\n")
				c.respond("NO", "Fetch failed: item %d has no message/rfc822 parts", id)
				return
			}
			rebuilt, err := itemcleave.Rebuild(c.server.Filer, header, body)
			if err != nil {
				c.bw.WriteString(")\r\n")
				c.respond("NO", "Fetch failed: %v", err)
				return
			}
			raw, err := io.ReadAll(rebuilt)
			if err != nil {
				c.bw.WriteString(")\r\n")
				c.respond("NO", "Fetch failed: %v", err)
				return
			}
			writePart("RFC822", raw)
		} else {
			for _, np := range parts {
				writePart(np.Namespace+":"+np.Name, np.Part.Data)
			}
		}
		c.bw.WriteString(")\r\n")
	}
	c.bw.Flush()
	c.respond("OK", "Fetch completed")
}

// touchVirtualCollections schedules a debounced re-evaluation of every
// virtual collection after a write that could change its membership
// (new item, flag/tag change, manual link/unlink). Concrete engines
// decide whether the write actually matches; this only wakes the
// update loop.
func touchVirtualCollections(c *Conn, ctx context.Context, ds *storage.DataStore) {
	if c.server.Search == nil {
		return
	}
	ids, err := ds.VirtualCollectionIDs(ctx)
	if err != nil {
		return
	}
	for _, id := range ids {
		c.server.Search.Touch(id)
	}
}

func readIDList(s *proto.Scanner) ([]int64, error) {
	tok, _, ok := s.ReadAtom()
	if !ok {
		return nil, fmt.Errorf("expected id list")
	}
	var ids []int64
	for _, part := range strings.Split(string(tok), ",") {
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readPartList reads the "(<name> <value-or-literal> ...)" grammar
// that terminates X-AKAPPEND; ReadAtom already transparently handles a
// "{N}" literal in value position, returning its bytes in place.
func readPartList(p *proto.Parser) (parts []storage.Part, names []string, err error) {
	s := p.Scanner
	if !s.ReadListStart() {
		return nil, nil, fmt.Errorf("expected '('")
	}
	for {
		if s.ReadListEnd() {
			return parts, names, nil
		}
		label, _, ok := s.ReadAtom()
		if !ok {
			return nil, nil, fmt.Errorf("bad part label: %v", s.Error)
		}
		val, isNil, ok := s.ReadAtom()
		if !ok {
			return nil, nil, fmt.Errorf("bad part value for %s: %v", label, s.Error)
		}
		if isNil {
			val = nil
		}
		data := append([]byte(nil), val...)
		parts = append(parts, storage.Part{Data: data, DataSize: int64(len(data))})
		names = append(names, string(label))
	}
}
