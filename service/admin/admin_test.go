package admin

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/lib/utils"
	"github.com/dstorage/go-dstor/submodule/registry"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func register(t *testing.T, c *registry.Chain, id, ep string, capacity uint64, mobile bool) *registry.Session {
	ctx := context.Background()
	s := c.As(id)
	c.Mint(id, registry.DefaultStake)
	require.NoError(t, s.Approve(ctx, s.Address(), registry.DefaultStake))
	require.NoError(t, s.RegisterNode(ctx, ep, capacity, mobile))
	return s
}

// network registers node-A, node-B and node-C at t0-2d, t0-2h and t0-10m.
func network(t *testing.T) (*registry.Chain, time.Time) {
	t0 := time.Unix(1_700_000_000, 0)
	clk := &clock{}
	c := registry.New(registry.WithClock(clk.Now))

	clk.now = t0.Add(-48 * time.Hour)
	register(t, c, "node-A", "http://10.0.0.1:3000", 100*utils.GiB, false)
	clk.now = t0.Add(-2 * time.Hour)
	register(t, c, "node-B", "http://10.0.0.2:3000", 250*utils.GiB, true)
	clk.now = t0.Add(-10 * time.Minute)
	register(t, c, "node-C", "http://10.0.0.3:3000", 50*utils.GiB, false)

	return c, t0
}

func TestFetchNetwork(t *testing.T) {
	c, now := network(t)

	n, err := FetchNetwork(context.Background(), c.As("admin"), now)
	require.NoError(t, err)

	require.Len(t, n.Nodes, 3)
	assert.Equal(t, "node-A", n.Nodes[0].Identity)
	assert.Equal(t, "node-C", n.Nodes[2].Identity)
	assert.Len(t, n.Registered(), 3)
	assert.EqualValues(t, 400*utils.GiB, n.TotalCapacity)
	assert.EqualValues(t, 400*utils.GiB, n.FreeCapacity)

	assert.Equal(t, 1, n.Count(types.Online))
	assert.Equal(t, 1, n.Count(types.Warning))
	assert.Equal(t, 1, n.Count(types.Dead))
}

func TestRenderNetwork(t *testing.T) {
	c, now := network(t)
	n, err := FetchNetwork(context.Background(), c.As("admin"), now)
	require.NoError(t, err)

	out := n.Render(false)
	assert.Contains(t, out, "Found 3 registered nodes")
	assert.Contains(t, out, "http://10.0.0.2:3000")
	assert.Contains(t, out, "250/250 GB")
	assert.Contains(t, out, "ONLINE")
	assert.Contains(t, out, "WARNING")
	assert.Contains(t, out, "DEAD")
	assert.Contains(t, out, "TOTAL NETWORK CAPACITY: 400.00 GB")
	assert.NotContains(t, out, "\x1b[")

	assert.Contains(t, n.Render(true), "\x1b[")
}

func TestRenderEmptyNetwork(t *testing.T) {
	n, err := FetchNetwork(context.Background(), registry.New().As("admin"), time.Now())
	require.NoError(t, err)

	out := n.Render(false)
	assert.Contains(t, out, "Found 0 registered nodes")
	assert.Contains(t, out, "TOTAL NETWORK CAPACITY: 0.00 GB")
}

func TestProfile(t *testing.T) {
	c, now := network(t)
	ctx := context.Background()

	c.Mint("node-B", big.NewInt(1_500_000_000_000_000_000))

	s := c.As("node-B")
	p, err := FetchProfile(ctx, s, s, "node-B", now)
	require.NoError(t, err)
	assert.True(t, p.Node.IsRegistered)

	out := p.Render(false)
	assert.Contains(t, out, "REGISTERED")
	assert.Contains(t, out, "http://10.0.0.2:3000")
	assert.Contains(t, out, "250.00 GB Free / 250.00 GB Total")
	assert.Contains(t, out, "Reputation:  100 / 100")
	assert.Contains(t, out, "Mobile (Tier 2)")
	assert.Contains(t, out, "WARNING")
	assert.Contains(t, out, "1.5000 STOR")
}

func TestProfileUnregistered(t *testing.T) {
	c, now := network(t)
	s := c.As("stranger")

	p, err := FetchProfile(context.Background(), s, s, "stranger", now)
	require.NoError(t, err)
	assert.False(t, p.Node.IsRegistered)

	out := p.Render(false)
	assert.Contains(t, out, "NOT REGISTERED")
	assert.Contains(t, out, "0.0000 STOR")
}

func TestFormatToken(t *testing.T) {
	assert.Equal(t, "0", FormatToken(nil))
	assert.Equal(t, "100.0000", FormatToken(new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))))
	assert.Equal(t, "0.2500", FormatToken(big.NewInt(250_000_000_000_000_000)))
}

func TestPickHosts(t *testing.T) {
	c, now := network(t)
	n, err := FetchNetwork(context.Background(), c.As("admin"), now)
	require.NoError(t, err)

	// node-A is dead and goes last
	assert.Equal(t, []string{"node-B"}, n.PickHosts(1))
	assert.Equal(t, []string{"node-B", "node-C", "node-A"}, n.PickHosts(5))
	assert.Empty(t, n.PickHosts(0))

	empty, err := FetchNetwork(context.Background(), registry.New().As("admin"), now)
	require.NoError(t, err)
	assert.Empty(t, empty.PickHosts(1))
}
