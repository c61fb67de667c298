package domain

import "time"

// StorageQuota is the ledger entry of a single owner.
type StorageQuota struct {
	ID              int64     `json:"id" db:"id"`
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	TotalBytesLimit int64     `json:"total_bytes_limit" db:"total_bytes_limit"`
	UsedBytes       int64     `json:"used_bytes" db:"used_bytes"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining returns the bytes the owner may still upload.
func (q *StorageQuota) Remaining() int64 {
	if q.UsedBytes >= q.TotalBytesLimit {
		return 0
	}
	return q.TotalBytesLimit - q.UsedBytes
}

type QuotaInfo struct {
	Total        int64   `json:"total"`
	Used         int64   `json:"used"`
	Remaining    int64   `json:"remaining"`
	UsagePercent float64 `json:"usage_percent"`
}

// NewQuotaInfo builds the user-facing view of a ledger entry.
func NewQuotaInfo(q *StorageQuota) *QuotaInfo {
	info := &QuotaInfo{
		Total:     q.TotalBytesLimit,
		Used:      q.UsedBytes,
		Remaining: q.TotalBytesLimit - q.UsedBytes,
	}
	if q.TotalBytesLimit > 0 {
		info.UsagePercent = float64(q.UsedBytes) / float64(q.TotalBytesLimit) * 100
	}
	return info
}

// QuotaDrift describes an owner whose ledger disagrees with the sum of its files.
type QuotaDrift struct {
	OwnerID    string `json:"owner_id" db:"owner_id"`
	UsedBytes  int64  `json:"used_bytes" db:"used_bytes"`
	ActualSize int64  `json:"actual_size" db:"actual_size"`
}

func (d QuotaDrift) Delta() int64 {
	return d.UsedBytes - d.ActualSize
}
