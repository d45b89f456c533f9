package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current usage counters for a source within an epoch.
type QuotaNow struct {
	ReqCount uint32
	EpochID  uint64
}

// Quota defines the request limits enforced per source.
type Quota struct {
	MaxRequestsPerEpoch uint32
	EpochSeconds        uint32
}

// CheckQuota verifies whether additional requests fit within the configured
// quota. The returned QuotaNow reflects the updated counters when they do;
// counters reset whenever the epoch rolls over.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	return next, nil
}
