package imdbtune

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDevice(t *testing.T) {
	tests := []struct {
		name        string
		wantName    string
		wantWorkers int
	}{
		{DeviceCPU, DeviceCPU, 1},
		{DeviceParallel, DeviceParallel, runtime.NumCPU()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := SelectDevice(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, d.Name())
			assert.Equal(t, tt.wantWorkers, d.Workers())
		})
	}

	for _, name := range []string{"", DeviceAuto} {
		d, err := SelectDevice(name)
		require.NoError(t, err)
		if acceleratorAvailable() {
			assert.Equal(t, DeviceParallel, d.Name())
		} else {
			assert.Equal(t, DeviceCPU, d.Name())
		}
	}

	_, err := SelectDevice("cuda")
	assert.Error(t, err)
}
