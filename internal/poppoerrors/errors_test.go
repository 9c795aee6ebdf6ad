package poppoerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinctAndWrappable(t *testing.T) {
	sentinels := []error{
		ErrConfig, ErrAcquireTimeout, ErrDeadlockAbort, ErrNotRepairable,
		ErrBusy, ErrValidationFailure, ErrIntegrity, ErrCorruptBackup,
		ErrParse, ErrDeliveryReplay, ErrAlreadyRunning,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %d unexpectedly matches sentinel %d (%v vs %v)", i, j, a, b)
			}
		}
	}

	for _, s := range sentinels {
		wrapped := fmt.Errorf("context: %w", s)
		if !errors.Is(wrapped, s) {
			t.Errorf("wrapped error does not match its sentinel: %v", s)
		}
	}
}
