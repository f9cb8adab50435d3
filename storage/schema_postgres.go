package storage

const postgresSchema = `
CREATE TABLE IF NOT EXISTS Resources (
	ID      BIGSERIAL PRIMARY KEY,
	Name    TEXT NOT NULL UNIQUE,
	Virtual BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS Collections (
	ID               BIGSERIAL PRIMARY KEY,
	ParentID         BIGINT NOT NULL,
	ResourceID       BIGINT NOT NULL REFERENCES Resources(ID),
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

	UNIQUE(ParentID, Name)
);

CREATE TABLE IF NOT EXISTS MimeTypes (
	ID   BIGSERIAL PRIMARY KEY,
	Name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS PimItems (
	ID             BIGSERIAL PRIMARY KEY,
	CollectionID   BIGINT NOT NULL REFERENCES Collections(ID) ON DELETE CASCADE,
	MimeTypeID     BIGINT NOT NULL REFERENCES MimeTypes(ID),
	RemoteID       TEXT NOT NULL DEFAULT '',
	RemoteRevision TEXT NOT NULL DEFAULT '',
	GID            TEXT NOT NULL DEFAULT '',
	Size           BIGINT NOT NULL DEFAULT 0,
	Datetime       BIGINT NOT NULL DEFAULT 0,
	Atime          BIGINT NOT NULL DEFAULT 0,
	Dirty          BOOLEAN NOT NULL DEFAULT FALSE,
	Hidden         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS pimitems_collection_idx ON PimItems(CollectionID);

CREATE TABLE IF NOT EXISTS PartTypes (
	ID        BIGSERIAL PRIMARY KEY,
	Namespace TEXT NOT NULL,
	Name      TEXT NOT NULL,

	UNIQUE(Namespace, Name)
);

CREATE TABLE IF NOT EXISTS Parts (
	ID         BIGSERIAL PRIMARY KEY,
	PimItemID  BIGINT NOT NULL REFERENCES PimItems(ID) ON DELETE CASCADE,
	PartTypeID BIGINT NOT NULL REFERENCES PartTypes(ID),
	Data       BYTEA,
	DataSize   BIGINT NOT NULL DEFAULT 0,
	External   BOOLEAN NOT NULL DEFAULT FALSE,
	Version    INTEGER NOT NULL DEFAULT 0,

	UNIQUE(PimItemID, PartTypeID)
);

CREATE TABLE IF NOT EXISTS Flags (
	ID   BIGSERIAL PRIMARY KEY,
	Name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS Tags (
	ID       BIGSERIAL PRIMARY KEY,
	GID      TEXT NOT NULL UNIQUE,
	TagType  TEXT NOT NULL,
	ResID    BIGINT NOT NULL DEFAULT -1,
	RemoteID TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS CollectionAttributes (
	CollectionID BIGINT NOT NULL REFERENCES Collections(ID) ON DELETE CASCADE,
	AttrKey      TEXT NOT NULL,
	Value        BYTEA,

	PRIMARY KEY(CollectionID, AttrKey)
);

CREATE TABLE IF NOT EXISTS PimItemFlagRelation (
	PimItemID BIGINT NOT NULL REFERENCES PimItems(ID) ON DELETE CASCADE,
	FlagID    BIGINT NOT NULL REFERENCES Flags(ID) ON DELETE CASCADE,

	PRIMARY KEY(PimItemID, FlagID)
);

CREATE TABLE IF NOT EXISTS PimItemTagRelation (
	PimItemID BIGINT NOT NULL REFERENCES PimItems(ID) ON DELETE CASCADE,
	TagID     BIGINT NOT NULL REFERENCES Tags(ID) ON DELETE CASCADE,

	PRIMARY KEY(PimItemID, TagID)
);

CREATE TABLE IF NOT EXISTS CollectionMimeTypeRelation (
	CollectionID BIGINT NOT NULL REFERENCES Collections(ID) ON DELETE CASCADE,
	MimeTypeID   BIGINT NOT NULL REFERENCES MimeTypes(ID),

	PRIMARY KEY(CollectionID, MimeTypeID)
);

CREATE TABLE IF NOT EXISTS CollectionPimItemRelation (
	CollectionID BIGINT NOT NULL REFERENCES Collections(ID) ON DELETE CASCADE,
	PimItemID    BIGINT NOT NULL REFERENCES PimItems(ID) ON DELETE CASCADE,

	PRIMARY KEY(CollectionID, PimItemID)
);
`
