package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryEnterSucceedsWhenFree(t *testing.T) {
	g := New()
	release, err := g.TryEnter("csr")
	require.NoError(t, err)
	require.Equal(t, "csr", g.Active())
	release()
	require.Equal(t, "", g.Active())
}

func TestTryEnterFailsWhenHeld(t *testing.T) {
	g := New()
	release, err := g.TryEnter("csr")
	require.NoError(t, err)
	defer release()

	_, err = g.TryEnter("puw")
	require.ErrorIs(t, err, ErrBusy)
}

func TestTryEnterSucceedsAfterRelease(t *testing.T) {
	g := New()
	release, err := g.TryEnter("csr")
	require.NoError(t, err)
	release()

	release2, err := g.TryEnter("puw")
	require.NoError(t, err)
	defer release2()
	require.Equal(t, "puw", g.Active())
}
