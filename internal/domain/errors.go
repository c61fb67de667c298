package domain

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
	ErrFileNotFound        = errors.New("file not found")
	ErrStorageFailure      = errors.New("storage operation failed")
	ErrInvalidUpload       = errors.New("invalid upload")
	ErrQuotaNotFound       = errors.New("quota not found")
	ErrLimitBelowUsage     = errors.New("quota limit is below current usage")
	ErrInvalidQuotaLimit   = errors.New("invalid quota limit")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

// QuotaExceededError reports how much an upload asked for against what was left.
// It matches ErrQuotaExceeded with errors.Is.
type QuotaExceededError struct {
	Attempted int64
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: attempted %s, remaining %s",
		ErrQuotaExceeded,
		humanize.IBytes(uint64(max(e.Attempted, 0))),
		humanize.IBytes(uint64(max(e.Remaining, 0))),
	)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
