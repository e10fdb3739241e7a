// Package errs holds sentinel errors checked with errors.Is across
// package boundaries, for the handful of conditions spec.md classifies
// as invariant violations rather than transient failures.
package errs

import "errors"

var (
	// ErrKindMismatch is returned when a fetcher reports a Status whose
	// kind (Live vs Posts) differs from a previous non-empty snapshot
	// for the same subscription. Spec.md §3: "a mismatch is a
	// programmer error."
	ErrKindMismatch = errors.New("status kind mismatch: subscription changed variant")

	// ErrDuplicateRoom is returned when two subscriptions register the
	// same room id with the webhook registry.
	ErrDuplicateRoom = errors.New("webhook: duplicate room id registration")

	// ErrAuthExpired signals the bilibili.space "auth expired" API code
	// (-352), triggering one guest-cookie refresh-and-retry.
	ErrAuthExpired = errors.New("bilibili: auth expired (code -352)")
)
