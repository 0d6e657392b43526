package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network error")
	ErrConflictingHistory = errors.New("conflicting history")
	ErrStoreWrite         = errors.New("store write failure")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLockHeld           = errors.New("lock held")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

// RateLimitedError reports a local or upstream quota rejection. Wait is how
// long the caller should hold off before trying again.
type RateLimitedError struct {
	Wait     time.Duration
	Upstream bool
}

func (e *RateLimitedError) Error() string {
	src := "local"
	if e.Upstream {
		src = "upstream"
	}
	return fmt.Sprintf("rate limited (%s), retry in %s", src, e.Wait.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// WaitSeconds rounds Wait up to whole seconds for countdown displays.
func (e *RateLimitedError) WaitSeconds() int {
	secs := int(e.Wait / time.Second)
	if e.Wait%time.Second != 0 {
		secs++
	}
	return secs
}

// NetworkError is a transport failure or timeout talking to the market API.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network error: %s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ConflictingHistoryError rejects deleting a buy that a later sell depends on.
// The dependent sell must be deleted first.
type ConflictingHistoryError struct {
	Sell Transaction
}

func (e *ConflictingHistoryError) Error() string {
	return fmt.Sprintf("conflicting history: sell %s of %s %s would exceed holdings",
		e.Sell.ID, e.Sell.Amount.String(), e.Sell.CoinID)
}

func (e *ConflictingHistoryError) Is(target error) bool { return target == ErrConflictingHistory }

// StoreWriteError reports that an atomic commit against the persisted store
// failed. Nothing from the failed unit was applied.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write failure: %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error        { return e.Err }
func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWrite }

// UpstreamError is a non-success, non-429 response from the market API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}
