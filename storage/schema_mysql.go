package storage

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS Resources (
	ID      BIGINT PRIMARY KEY AUTO_INCREMENT,
	Name    VARCHAR(255) NOT NULL UNIQUE,
	Virtual BOOLEAN NOT NULL DEFAULT FALSE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS Collections (
	ID               BIGINT PRIMARY KEY AUTO_INCREMENT,
	ParentID         BIGINT NOT NULL,
	ResourceID       BIGINT NOT NULL,
	Name             VARCHAR(255) NOT NULL,
	RemoteID         VARCHAR(1024) NOT NULL DEFAULT '',
	RemoteRevision   VARCHAR(255) NOT NULL DEFAULT '',
	Subscribed       BOOLEAN NOT NULL DEFAULT TRUE,
	CacheInherit     BOOLEAN NOT NULL DEFAULT TRUE,
	CacheCheckIntv   INT NOT NULL DEFAULT -1,
	CacheTimeout     INT NOT NULL DEFAULT -1,
	CacheSyncDemand  BOOLEAN NOT NULL DEFAULT FALSE,
	CacheLocalParts  VARCHAR(1024) NOT NULL DEFAULT 'ALL',
	QueryString      TEXT NOT NULL,
	QueryAttributes  TEXT NOT NULL,
	QueryCollections TEXT NOT NULL,
	IsVirtual        BOOLEAN NOT NULL DEFAULT FALSE,
	Referenced       BOOLEAN NOT NULL DEFAULT FALSE,

	UNIQUE KEY ParentName (ParentID, Name),
	FOREIGN KEY(ResourceID) REFERENCES Resources(ID)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS MimeTypes (
	ID   BIGINT PRIMARY KEY AUTO_INCREMENT,
	Name VARCHAR(255) NOT NULL UNIQUE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS PimItems (
	ID             BIGINT PRIMARY KEY AUTO_INCREMENT,
	CollectionID   BIGINT NOT NULL,
	MimeTypeID     BIGINT NOT NULL,
	RemoteID       VARCHAR(1024) NOT NULL DEFAULT '',
	RemoteRevision VARCHAR(255) NOT NULL DEFAULT '',
	GID            VARCHAR(255) NOT NULL DEFAULT '',
	Size           BIGINT NOT NULL DEFAULT 0,
	Datetime       BIGINT NOT NULL DEFAULT 0,
	Atime          BIGINT NOT NULL DEFAULT 0,
	Dirty          BOOLEAN NOT NULL DEFAULT FALSE,
	Hidden         BOOLEAN NOT NULL DEFAULT FALSE,

	INDEX (CollectionID),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(MimeTypeID) REFERENCES MimeTypes(ID)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS PartTypes (
	ID        BIGINT PRIMARY KEY AUTO_INCREMENT,
	Namespace VARCHAR(64) NOT NULL,
	Name      VARCHAR(255) NOT NULL,

	UNIQUE KEY NamespaceName (Namespace, Name)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS Parts (
	ID         BIGINT PRIMARY KEY AUTO_INCREMENT,
	PimItemID  BIGINT NOT NULL,
	PartTypeID BIGINT NOT NULL,
	Data       LONGBLOB,
	DataSize   BIGINT NOT NULL DEFAULT 0,
	External   BOOLEAN NOT NULL DEFAULT FALSE,
	Version    INT NOT NULL DEFAULT 0,

	UNIQUE KEY ItemPartType (PimItemID, PartTypeID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(PartTypeID) REFERENCES PartTypes(ID)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS Flags (
	ID   BIGINT PRIMARY KEY AUTO_INCREMENT,
	Name VARCHAR(255) NOT NULL UNIQUE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS Tags (
	ID       BIGINT PRIMARY KEY AUTO_INCREMENT,
	GID      VARCHAR(255) NOT NULL UNIQUE,
	TagType  VARCHAR(255) NOT NULL,
	ResID    BIGINT NOT NULL DEFAULT -1,
	RemoteID VARCHAR(1024) NOT NULL DEFAULT ''
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS CollectionAttributes (
	CollectionID BIGINT NOT NULL,
	AttrKey      VARCHAR(255) NOT NULL,
	Value        LONGBLOB,

	PRIMARY KEY(CollectionID, AttrKey),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS PimItemFlagRelation (
	PimItemID BIGINT NOT NULL,
	FlagID    BIGINT NOT NULL,

	PRIMARY KEY(PimItemID, FlagID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(FlagID) REFERENCES Flags(ID) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS PimItemTagRelation (
	PimItemID BIGINT NOT NULL,
	TagID     BIGINT NOT NULL,

	PRIMARY KEY(PimItemID, TagID),
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE,
	FOREIGN KEY(TagID) REFERENCES Tags(ID) ON DELETE CASCADE
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS CollectionMimeTypeRelation (
	CollectionID BIGINT NOT NULL,
	MimeTypeID   BIGINT NOT NULL,

	PRIMARY KEY(CollectionID, MimeTypeID),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(MimeTypeID) REFERENCES MimeTypes(ID)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS CollectionPimItemRelation (
	CollectionID BIGINT NOT NULL,
	PimItemID    BIGINT NOT NULL,

	PRIMARY KEY(CollectionID, PimItemID),
	FOREIGN KEY(CollectionID) REFERENCES Collections(ID) ON DELETE CASCADE,
	FOREIGN KEY(PimItemID) REFERENCES PimItems(ID) ON DELETE CASCADE
) ENGINE=InnoDB;
`
