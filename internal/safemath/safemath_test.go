package safemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdd32NoOverflow(t *testing.T) {
	v, ok := Add32(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), v)
}

func TestAdd32Overflow(t *testing.T) {
	_, ok := Add32(math.MaxUint32, 1)
	assert.False(t, ok)
}

func TestSub32Underflow(t *testing.T) {
	_, ok := Sub32(0, 1)
	assert.False(t, ok)
}

func TestAddOverflows32(t *testing.T) {
	tests := []struct {
		name      string
		a, b      int32
		want      int32
		wantTrap  bool
	}{
		{"zero plus zero", 0, 0, 0, false},
		{"small positives", 1, 2, 3, false},
		{"positive plus negative never overflows", math.MaxInt32, -1, math.MaxInt32 - 1, false},
		{"max boundary", math.MaxInt32 - 1, 1, math.MaxInt32, false},
		{"min boundary", math.MinInt32 + 1, -1, math.MinInt32, false},
		{"positive overflow", math.MaxInt32, 1, 0, true},
		{"negative overflow", math.MinInt32, -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, trap := AddOverflows32(tt.a, tt.b)
			assert.Equal(t, tt.wantTrap, trap)
			if !tt.wantTrap {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSubOverflows32(t *testing.T) {
	tests := []struct {
		name     string
		a, b     int32
		want     int32
		wantTrap bool
	}{
		{"zero minus zero", 0, 0, 0, false},
		{"small values", 5, 3, 2, false},
		{"same sign never overflows", 5, 10, -5, false},
		{"positive minus negative overflow", math.MaxInt32, -1, 0, true},
		{"negative minus positive overflow", math.MinInt32, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, trap := SubOverflows32(tt.a, tt.b)
			assert.Equal(t, tt.wantTrap, trap)
			if !tt.wantTrap {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// TestScenarioS2 mirrors spec.md scenario S2: add r1,r1,r1 with
// r1=0x7FFFFFFF must be flagged as an overflow trap.
func TestScenarioS2(t *testing.T) {
	r1 := int32(0x7FFFFFFF)
	_, trap := AddOverflows32(r1, r1)
	assert.True(t, trap)
}
