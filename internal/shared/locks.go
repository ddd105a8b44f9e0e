package shared

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Advisory lock scopes used across the ledger core. Scoping the hash input
// keeps unrelated subsystems from colliding on the same 64-bit key space.
const (
	LockScopeEntryKey        = "ledger:entry-key"
	LockScopeDefaultTreasury = "ledger:default-treasury"
)

// AdvisoryLockKey derives a signed 64-bit key for pg_advisory_xact_lock from
// an arbitrary token. The derivation must be stable across releases: retried
// requests hash to the same key or the idempotency serialization breaks.
func AdvisoryLockKey(scope, token string) int64 {
	sum := blake2b.Sum256([]byte(scope + "\x00" + token))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
