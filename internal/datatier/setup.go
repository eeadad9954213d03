package datatier

import (
	"github.com/infodancer/magmad/internal/cluster"
	"github.com/infodancer/magmad/internal/metauser"
)

// Open builds a StatementPool over dsn and a metauser.Cache layered on top
// of it, applying Schema if the database hasn't been initialized yet. It
// returns (nil, nil, nil) when dsn is empty, so a deployment that hasn't
// configured a datatier database simply runs without a meta-user cache.
//
// Every process that wants meta-user lookups — each per-connection
// protocol-handler subprocess and runDirect's single long-lived process
// alike — calls Open against the same dsn and ends up with its own
// process-local Cache (per internal/metauser's documented scope) backed by
// the one shared database, rather than trying to share a single Cache
// instance across a process boundary that can't carry Go pointers. The
// runServe parent never calls Open: it never itself services a connection,
// so it has no use for a cache.
func Open(dsn string) (*cluster.StatementPool, *metauser.Cache, error) {
	if dsn == "" {
		return nil, nil, nil
	}

	pool, err := cluster.NewStatementPool(dsn)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.DB().Exec(Schema); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return pool, metauser.New(New(pool)), nil
}
