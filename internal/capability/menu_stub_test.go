//go:build nogui || headless || !(darwin || windows)

package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deskshell/deskshell/internal/bridge"
)

func TestSetupMenuIsNotFoundWithoutGUI(t *testing.T) {
	h := newHarness(t)
	_, err := h.call(t, "setupMenu")
	assert.True(t, errors.Is(err, bridge.ErrNotFound))
}
