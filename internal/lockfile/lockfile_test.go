package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testing_util "github.com/litecask-go/litecask/util/testing"
)

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestAcquireAndRelease")
	defer cleanup()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestAcquireFailsWhenAlreadyHeld")
	defer cleanup()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(dir)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}
