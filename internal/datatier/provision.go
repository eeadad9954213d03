package datatier

import (
	"context"
	"crypto/hmac"
	"fmt"

	"github.com/infodancer/magmad/internal/cluster"
	"github.com/infodancer/magmad/internal/stacie"
)

const (
	queryInsertUser = `INSERT INTO users (usernum, username, verification, salt, rounds) VALUES (?, ?, ?, ?, ?)`
	queryFetchSalt  = `SELECT verification, salt, rounds FROM users WHERE usernum = ?`
)

// Provision runs the STACIE pipeline's round-selection, seed, key and
// verification-token stages over password and stores the resulting
// verification token alongside its salt and round count, mirroring new_meta_data_fetch_user's
// counterpart on the write side: nothing in original_source's retrieved
// datatier files shows the INSERT this corresponds to, so the statement
// follows the schema this package already defines for LoadUser.
func Provision(ctx context.Context, pool *cluster.StatementPool, usernum uint64, username string, password []byte) error {
	salt, err := stacie.NewSalt()
	if err != nil {
		return fmt.Errorf("datatier: generating salt: %w", err)
	}
	rounds := stacie.DeriveRounds(password, 0)

	verification, err := deriveVerification(password, []byte(username), salt, rounds)
	if err != nil {
		return err
	}

	stmt, err := pool.Pull(ctx, queryInsertUser)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, usernum, username, verification, salt, rounds)
	return err
}

// VerifyPassword recomputes the verification token from password and the
// stored salt/round count, then compares it against the stored token in
// constant time. It returns (false, nil) for a simple mismatch and a
// non-nil error only when the lookup itself fails.
func VerifyPassword(ctx context.Context, pool *cluster.StatementPool, usernum uint64, username string, password []byte) (bool, error) {
	stmt, err := pool.Pull(ctx, queryFetchSalt)
	if err != nil {
		return false, err
	}
	var stored, salt []byte
	var rounds uint32
	if err := stmt.QueryRowContext(ctx, usernum).Scan(&stored, &salt, &rounds); err != nil {
		return false, err
	}

	computed, err := deriveVerification(password, []byte(username), salt, rounds)
	if err != nil {
		return false, err
	}
	return hmac.Equal(stored, computed), nil
}

func deriveVerification(password, username, salt []byte, rounds uint32) ([]byte, error) {
	seed, err := stacie.DeriveSeed(password, salt)
	if err != nil {
		return nil, fmt.Errorf("datatier: deriving seed: %w", err)
	}
	key, err := stacie.DeriveKey(seed, rounds, username, salt)
	if err != nil {
		return nil, fmt.Errorf("datatier: deriving key: %w", err)
	}
	token, err := stacie.DeriveToken(key, username, salt, nil)
	if err != nil {
		return nil, fmt.Errorf("datatier: deriving verification token: %w", err)
	}
	return token, nil
}
