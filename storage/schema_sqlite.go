package storage

const sqliteSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS Resources (
	ID      INTEGER PRIMARY KEY,
	Name    TEXT NOT NULL UNIQUE,
	Virtual BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS Collections (
	ID               INTEGER PRIMARY KEY,
	ParentID         INTEGER NOT NULL,
	ResourceID       INTEGER NOT NULL,
	Name             TEXT NOT NULL,
	RemoteID         TEXT NOT NULL DEFAULT '',
	RemoteRevision   TEXT NOT NULL DEFAULT '',
	Subscribed       BOOLEAN NOT NULL DEFAULT TRUE,
	CacheInherit     BOOLEAN NOT NULL DEFAULT TRUE,
	CacheCheckIntv   INTEGER NOT NULL DEFAULT -1,
	CacheTimeout     INTEGER NOT NULL DEFAULT -1,
	CacheSyncDemand  BOOLEAN NOT NULL DEFAULT FALSE,
	CacheLocalParts  TEXT NOT NULL DEFAULT 'ALL',
	QueryString      TEXT NOT NULL DEFAULT '',
	QueryAttributes  TEXT NOT NULL DEFAULT '',
	QueryCollections TEXT NOT NULL DEFAULT '',
	IsVirtual        BOOLEAN NOT NULL DEFAULT FALSE,
	Referenced       BOOLEAN NOT NULL DEFAULT FALSE,

	UNIQUE(ParentID, Name),
	FOREIGN KEY(ResourceID) REFERENCES Resources(ID)
);

CREATE TABLE IF NOT EXISTS MimeTypes (
	ID   INTEGER PRIMARY KEY,
	Name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS PimItems (
	ID             INTEGER PRIMARY KEY,
	CollectionID   INTEGER NOT NULL,
	MimeTypeID     INTEGER NOT NULL,
	RemoteID       TEXT NOT NULL DEFAULT '',
	RemoteRevision TEXT NOT NULL DEFAULT '',
	GID            TEXT NOT NULL DEFAULT '',
	Size           INTEGER NOT NULL DEFAULT 0,
	Datetime       INTEGER NOT NULL DEFAULT 0,
	Atime          INTEGER NOT NULL DEFAULT 0,
	Dirty          BOOLEAN NOT NULL DEFAULT FALSE,
	Hidden         BOOLEAN NOT NULL DEFAULT FALSE,

	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(MimeTypeID) REFERENCES MimeTypes(ID)
);

CREATE INDEX IF NOT EXISTS PimItemsCollectionIdx ON PimItems(CollectionID);

CREATE TABLE IF NOT EXISTS PartTypes (
	ID        INTEGER PRIMARY KEY,
	Namespace TEXT NOT NULL,
	Name      TEXT NOT NULL,

	UNIQUE(Namespace, Name)
);

CREATE TABLE IF NOT EXISTS Parts (
	ID         INTEGER PRIMARY KEY,
	PimItemID  INTEGER NOT NULL,
	PartTypeID INTEGER NOT NULL,
	Data       BLOB,
	DataSize   INTEGER NOT NULL DEFAULT 0,
	External   BOOLEAN NOT NULL DEFAULT FALSE,
	Version    INTEGER NOT NULL DEFAULT 0,

	UNIQUE(PimItemID, PartTypeID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(PartTypeID) REFERENCES PartTypes(ID)
);

CREATE TABLE IF NOT EXISTS Flags (
	ID   INTEGER PRIMARY KEY,
	Name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS Tags (
	ID       INTEGER PRIMARY KEY,
	GID      TEXT NOT NULL UNIQUE,
	TagType  TEXT NOT NULL,
	ResID    INTEGER NOT NULL DEFAULT -1,
	RemoteID TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS CollectionAttributes (
	CollectionID INTEGER NOT NULL,
	AttrKey      TEXT NOT NULL,
	Value        BLOB,

	PRIMARY KEY(CollectionID, AttrKey),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS PimItemFlagRelation (
	PimItemID INTEGER NOT NULL,
	FlagID    INTEGER NOT NULL,

	PRIMARY KEY(PimItemID, FlagID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(FlagID) REFERENCES Flags(ID) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS PimItemTagRelation (
	PimItemID INTEGER NOT NULL,
	TagID     INTEGER NOT NULL,

	PRIMARY KEY(PimItemID, TagID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(TagID) REFERENCES Tags(ID) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS CollectionMimeTypeRelation (
	CollectionID INTEGER NOT NULL,
	MimeTypeID   INTEGER NOT NULL,

	PRIMARY KEY(CollectionID, MimeTypeID),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(MimeTypeID) REFERENCES MimeTypes(ID)
);

CREATE TABLE IF NOT EXISTS CollectionPimItemRelation (
	CollectionID INTEGER NOT NULL,
	PimItemID    INTEGER NOT NULL,

	PRIMARY KEY(CollectionID, PimItemID),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE
);
`
