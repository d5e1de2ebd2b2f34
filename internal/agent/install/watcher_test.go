package install

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/common/logger"
)

func TestWatcherReportsCurrentSwap(t *testing.T) {
	inst, root := newTestInstaller(t)
	src := writeBinary(t, root, "artifact", "echo hi")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := inst.Install(ctx, Spec{Runtime: "picoclaw", Version: "1.0.0", Source: src})
	require.NoError(t, err)

	w, err := NewWatcher(inst.Root(), logger.NewNop())
	require.NoError(t, err)
	go func() { _ = w.Run(ctx) }()

	_, err = inst.Install(ctx, Spec{Runtime: "picoclaw", Version: "1.1.0", Source: src})
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ch := <-w.Changes():
			if ch.Version == "v1.1.0" {
				assert.Equal(t, "picoclaw", string(ch.Runtime))
				return
			}
		case <-deadline:
			t.Fatal("no change reported for current swap")
		}
	}
}
