package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"exact multiple", 60000, 0.5, 60000},
		{"round up", 60000.3, 0.5, 60000.5},
		{"round down", 60000.2, 0.5, 60000},
		{"sub-cent tick", 0.123456, 0.0001, 0.1235},
		{"tick of one", 59400.4, 1, 59400},
		{"zero tick passthrough", 123.45, 0, 123.45},
		{"float drift case", 2.675, 0.01, 2.68},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RoundToTick(tt.price, tt.tick), 1e-12)
		})
	}
}

func TestFloorToLot(t *testing.T) {
	assert.InDelta(t, 5000.0, FloorToLot(5000, 10), 1e-12)
	assert.InDelta(t, 4990.0, FloorToLot(4999.9, 10), 1e-12)
	assert.InDelta(t, 0.003, FloorToLot(0.0035, 0.001), 1e-12)
	assert.InDelta(t, 7.0, FloorToLot(7, 0), 1e-12)
}
