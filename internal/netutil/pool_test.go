package netutil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netem/netem/internal/netutil"
)

func TestBufferPoolReusesUpToCapacity(t *testing.T) {
	p := netutil.NewBufferPool(1024, 2, 4)

	a := p.Get()
	b := p.Get()
	require.Len(t, a, 1024)
	require.Len(t, b, 1024)

	p.Put(a)
	p.Put(b)

	c := p.Get()
	require.Len(t, c, 1024)
}

func TestBufferPoolAllocatesBeyondInitial(t *testing.T) {
	p := netutil.NewBufferPool(512, 0, 1)

	bufs := make([][]byte, 5)
	for i := range bufs {
		bufs[i] = p.Get()
		require.Len(t, bufs[i], 512)
	}
}

func TestPossiblyTruncated(t *testing.T) {
	p := netutil.NewBufferPool(1500, 1, 1)
	require.False(t, p.PossiblyTruncated(1499))
	require.True(t, p.PossiblyTruncated(1500))
}
