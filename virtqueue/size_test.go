package virtqueue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microvm-io/guestnet/virtqueue"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		name      string
		queueSize int
		wantErr   bool
	}{
		{"negative", -1, true},
		{"zero", 0, true},
		{"one", 1, false},
		{"not a power of 2", 24, true},
		{"power of 2", 256, false},
		{"maximum", 32768, false},
		{"too large", 65536, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := virtqueue.CheckQueueSize(tt.queueSize)
			if tt.wantErr {
				assert.ErrorIs(t, err, virtqueue.ErrQueueSizeInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
