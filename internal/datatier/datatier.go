package datatier

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/infodancer/magmad/internal/cluster"
	"github.com/infodancer/magmad/internal/metauser"
)

const (
	queryFetchUser     = `SELECT username, verification FROM users WHERE usernum = ?`
	queryFetchAliases  = `SELECT address, is_default FROM aliases WHERE usernum = ?`
	queryFetchFolders  = `SELECT folder_id, name, parent_id FROM folders WHERE usernum = ?`
	queryFetchMessages = `SELECT message_id, folder_id, status, size FROM messages WHERE usernum = ?`
	queryFetchContacts = `SELECT contact_id, name, email FROM contacts WHERE usernum = ?`
)

// DataTier implements metauser.SourceOfTruth over a cluster.StatementPool,
// mirroring new_meta_data_fetch_user / new_meta_data_fetch_folders /
// new_meta_data_fetch_mailbox_aliases: one query per index, run fresh on
// every refresh rather than incrementally.
type DataTier struct {
	pool *cluster.StatementPool
}

// New wraps an already-open StatementPool. The caller owns the pool's
// lifecycle (Ping/Close); New does not take ownership.
func New(pool *cluster.StatementPool) *DataTier {
	return &DataTier{pool: pool}
}

var _ metauser.SourceOfTruth = (*DataTier)(nil)

func (d *DataTier) LoadUser(ctx context.Context, usernum uint64) (string, []byte, error) {
	stmt, err := d.pool.Pull(ctx, queryFetchUser)
	if err != nil {
		return "", nil, err
	}
	var username string
	var verification []byte
	err = stmt.QueryRowContext(ctx, usernum).Scan(&username, &verification)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("datatier: no such user %d: %w", usernum, cluster.ErrNotFound)
	}
	if err != nil {
		return "", nil, err
	}
	return username, verification, nil
}

func (d *DataTier) LoadAliases(ctx context.Context, usernum uint64) ([]metauser.Alias, error) {
	stmt, err := d.pool.Pull(ctx, queryFetchAliases)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, usernum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []metauser.Alias
	for rows.Next() {
		var a metauser.Alias
		if err := rows.Scan(&a.Address, &a.Default); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

func (d *DataTier) LoadFolders(ctx context.Context, usernum uint64) ([]metauser.Folder, error) {
	stmt, err := d.pool.Pull(ctx, queryFetchFolders)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, usernum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []metauser.Folder
	for rows.Next() {
		var f metauser.Folder
		if err := rows.Scan(&f.FolderID, &f.Name, &f.ParentID); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (d *DataTier) LoadMessages(ctx context.Context, usernum uint64) ([]metauser.Message, error) {
	stmt, err := d.pool.Pull(ctx, queryFetchMessages)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, usernum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []metauser.Message
	for rows.Next() {
		var m metauser.Message
		if err := rows.Scan(&m.MessageID, &m.FolderID, &m.Status, &m.Size); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (d *DataTier) LoadContacts(ctx context.Context, usernum uint64) ([]metauser.Contact, error) {
	stmt, err := d.pool.Pull(ctx, queryFetchContacts)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, usernum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []metauser.Contact
	for rows.Next() {
		var c metauser.Contact
		if err := rows.Scan(&c.ContactID, &c.Name, &c.Email); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
