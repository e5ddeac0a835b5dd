// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import "testing"

func TestCalculateRate_Normal(t *testing.T) {
	rate := calculateRate(1000, 500, 1.0)
	if rate != 500.0 {
		t.Errorf("Expected rate 500.0, got %f", rate)
	}
}

func TestCalculateRate_Reset(t *testing.T) {
	// Reset case: current < previous (counter wrapped or reset).
	// Should treat current value as the delta since reset.
	rate := calculateRate(100, 1000, 1.0)
	if rate != 100.0 {
		t.Errorf("On reset, expected rate 100.0 (current value), got %f", rate)
	}
}

func TestCalculateRate_ZeroElapsed(t *testing.T) {
	rate := calculateRate(1000, 500, 0.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for zero elapsed, got %f", rate)
	}
}

func TestCalculateRate_NegativeElapsed(t *testing.T) {
	rate := calculateRate(1000, 500, -1.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for negative elapsed, got %f", rate)
	}
}
