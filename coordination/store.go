package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"
)

/*
Record is the lock record held in the coordination store for a protected
database file. At most one live record exists per key at any instant, as
enforced by the store's atomic conditional write.
*/
type Record struct {
	//Opaque value identifying the holder's specific acquisition attempt
	Token string `json:"token"`
	//Absolute time after which the record is stale and eligible for takeover
	ExpiresAt time.Time `json:"expires_at"`
}

/*
Store is the contract of the remote key-value coordination service used as
the source of truth for lock ownership. Implementations keep no local state
between calls and every operation must be atomic on the store side.
*/
type Store interface {
	//TryCreate atomically writes a lock record for the key, succeeding only
	//if no live (non-expired) record exists. It returns whether the record
	//was created. A false result means the lock is contended, not an error.
	TryCreate(ctx context.Context, key string, token string, ttl time.Duration) (bool, error)
	//ReleaseIfOwned atomically deletes the record for the key only if its
	//token still equals the given token. A false result means ownership has
	//since changed and cleanup already happened; it is not an error.
	ReleaseIfOwned(ctx context.Context, key string, token string) (bool, error)
	//Inspect returns the current live record for the key, if any.
	Inspect(ctx context.Context, key string) (Record, bool, error)
}

/*
UnavailableError indicates the coordination store itself is unreachable or
erroring. It is distinct from contention so callers can tell "busy" from
"broken".
*/
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("coordination store unavailable: %s", e.Err.Error())
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

/*
IsUnavailable returns whether the error marks the coordination store as
unreachable rather than the lock as contended.
*/
func IsUnavailable(err error) bool {
	unavailableErr := &UnavailableError{}
	return errors.As(err, &unavailableErr)
}
