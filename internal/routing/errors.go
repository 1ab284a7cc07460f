package routing

import "fmt"

// ErrorKind enumerates the routing failure classes surfaced to callers.
type ErrorKind string

const (
	// KindNoRoute means the called number was not found or every branch
	// of the tree was pruned.
	KindNoRoute ErrorKind = "NO_ROUTE"
	// KindForwardLoop means the forward chain hit the depth limit or a cycle.
	KindForwardLoop ErrorKind = "FORWARD_LOOP"
	// KindForbidden means the caller may not dial out to an external target.
	KindForbidden ErrorKind = "FORBIDDEN"
	// KindStoreUnavailable is a transient store transport failure.
	KindStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
	// KindCacheUnavailable means intermediate results could not be persisted.
	KindCacheUnavailable ErrorKind = "CACHE_UNAVAILABLE"
	// KindGone means a late-route lookup missed the cache, usually because
	// the call outlived the cache TTL.
	KindGone ErrorKind = "GONE"
	// KindTimeout means the per-request deadline expired.
	KindTimeout ErrorKind = "TIMEOUT"
)

// Error is a routing failure with a machine-readable kind and a one-line
// human detail.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewError builds a routing error with a formatted detail message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
