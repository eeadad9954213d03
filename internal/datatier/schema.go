// Package datatier implements metauser.SourceOfTruth over the shared
// cluster.StatementPool, the Go analogue of magma's objects/meta/datatier.c
// and objects/messages/datatier.c: one prepared statement per query, pulled
// from the pool rather than held open across calls.
package datatier

// Schema is the DDL for the tables a DataTier reads from. Callers run it once
// against a fresh StatementPool (cmd/magmad does this at startup for the
// bundled sqlite deployment); a production deployment pointed at a
// pre-provisioned database can skip it.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	usernum      INTEGER PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	verification BLOB NOT NULL,
	salt         BLOB NOT NULL,
	rounds       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS aliases (
	usernum INTEGER NOT NULL REFERENCES users(usernum),
	address TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS aliases_usernum_idx ON aliases(usernum);

CREATE TABLE IF NOT EXISTS folders (
	folder_id INTEGER PRIMARY KEY,
	usernum   INTEGER NOT NULL REFERENCES users(usernum),
	name      TEXT NOT NULL,
	parent_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS folders_usernum_idx ON folders(usernum);

CREATE TABLE IF NOT EXISTS messages (
	message_id INTEGER PRIMARY KEY,
	usernum    INTEGER NOT NULL REFERENCES users(usernum),
	folder_id  INTEGER NOT NULL,
	status     INTEGER NOT NULL DEFAULT 0,
	size       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_usernum_idx ON messages(usernum);

CREATE TABLE IF NOT EXISTS contacts (
	contact_id INTEGER PRIMARY KEY,
	usernum    INTEGER NOT NULL REFERENCES users(usernum),
	name       TEXT NOT NULL,
	email      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS contacts_usernum_idx ON contacts(usernum);
`
