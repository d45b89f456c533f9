package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckQuotaWithinLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 3, EpochSeconds: 60}

	now := QuotaNow{}
	var err error
	for i := 0; i < 3; i++ {
		now, err = CheckQuota(q, 10, now, 1)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if now.ReqCount != 3 {
		t.Fatalf("ReqCount = %d, want 3", now.ReqCount)
	}

	if _, err := CheckQuota(q, 10, now, 1); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("fourth request = %v, want ErrQuotaRequestsExceeded", err)
	}
}

func TestCheckQuotaEpochRollover(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 60}

	now, err := CheckQuota(q, 10, QuotaNow{}, 1)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := CheckQuota(q, 10, now, 1); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("same epoch = %v, want ErrQuotaRequestsExceeded", err)
	}

	next, err := CheckQuota(q, 11, now, 1)
	if err != nil {
		t.Fatalf("next epoch: %v", err)
	}
	if next.EpochID != 11 || next.ReqCount != 1 {
		t.Fatalf("rollover state = %+v", next)
	}
}

func TestCheckQuotaUnlimited(t *testing.T) {
	now, err := CheckQuota(Quota{}, 1, QuotaNow{ReqCount: 1000, EpochID: 1}, 500)
	if err != nil {
		t.Fatalf("unlimited quota: %v", err)
	}
	if now.ReqCount != 1500 {
		t.Fatalf("ReqCount = %d, want 1500", now.ReqCount)
	}
}

func TestCheckQuotaCounterOverflow(t *testing.T) {
	prev := QuotaNow{ReqCount: math.MaxUint32, EpochID: 1}
	if _, err := CheckQuota(Quota{}, 1, prev, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("overflow = %v, want ErrQuotaCounterOverflow", err)
	}
}
