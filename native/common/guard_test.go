package common

import (
	"errors"
	"testing"
)

func TestGuard(t *testing.T) {
	pauses := StaticPauses{"leverage": true}

	if err := Guard(pauses, "leverage"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("Guard = %v, want ErrModulePaused", err)
	}
	if err := Guard(pauses, "swap"); err != nil {
		t.Fatalf("unpaused module: %v", err)
	}
	if err := Guard(nil, "leverage"); err != nil {
		t.Fatalf("nil view: %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("empty module: %v", err)
	}
}
