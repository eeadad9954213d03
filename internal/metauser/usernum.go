package metauser

import "hash/fnv"

// DeriveUsernum maps a stable external identifier (a POP3/SMTP/IMAP login
// name) onto the numeric usernum the cache and its SourceOfTruth key
// everything off of. It is a pure, deterministic function so the same
// username always resolves to the same cache entry and datatier row
// regardless of which protocol session or process computes it, without
// requiring the external auth backend to expose a numeric user id of its
// own (github.com/infodancer/auth's AuthSession carries none).
func DeriveUsernum(username string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(username))
	return h.Sum64()
}
