package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstorage/go-dstor/lib/types"
)

const gib = 1024 * 1024 * 1024

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func staked(t *testing.T, c *Chain, id string) *Session {
	ctx := context.Background()
	s := c.As(id)
	c.Mint(id, DefaultStake)
	require.NoError(t, s.Approve(ctx, s.Address(), DefaultStake))
	return s
}

func TestRegisterNode(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(fixedClock(1000)))
	s := staked(t, c, "node-A")

	require.NoError(t, s.RegisterNode(ctx, "http://10.0.0.5:3000", 250*gib, false))

	n, err := s.GetNode(ctx, "node-A")
	require.NoError(t, err)
	assert.True(t, n.IsRegistered)
	assert.True(t, n.StakeLocked)
	assert.Equal(t, "http://10.0.0.5:3000", n.Endpoint)
	assert.EqualValues(t, 250*gib, n.TotalCapacity)
	assert.EqualValues(t, 250*gib, n.FreeCapacity)
	assert.EqualValues(t, types.DefaultReputation, n.Reputation)
	assert.EqualValues(t, 1000, n.LastHeartbeat)
	assert.NoError(t, n.Validate())

	bal, err := s.BalanceOf(ctx, RegistryAddress)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(DefaultStake))

	all, err := s.GetAllNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-A"}, all)
}

func TestRegisterNodeTwice(t *testing.T) {
	ctx := context.Background()
	c := New()
	s := staked(t, c, "node-A")
	require.NoError(t, s.RegisterNode(ctx, "http://10.0.0.5:3000", 10, false))

	before, err := s.GetNode(ctx, "node-A")
	require.NoError(t, err)

	// fund and approve again so only the registered check can fail
	c.Mint("node-A", DefaultStake)
	require.NoError(t, s.Approve(ctx, s.Address(), DefaultStake))

	err = s.RegisterNode(ctx, "http://10.0.0.9:3000", 99, true)
	require.Error(t, err)
	assert.True(t, types.IsAdmission(err))

	after, err := s.GetNode(ctx, "node-A")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	all, _ := s.GetAllNodes(ctx)
	assert.Len(t, all, 1)
}

func TestRegisterNodeInsufficientStake(t *testing.T) {
	ctx := context.Background()
	c := New()
	s := c.As("node-B")

	// no approval
	err := s.RegisterNode(ctx, "e", 1, false)
	assert.True(t, types.IsAdmission(err))

	// approval without balance
	require.NoError(t, s.Approve(ctx, s.Address(), DefaultStake))
	err = s.RegisterNode(ctx, "e", 1, false)
	assert.True(t, types.IsAdmission(err))

	n, err := s.GetNode(ctx, "node-B")
	require.NoError(t, err)
	assert.False(t, n.IsRegistered)
}

func TestPingAndUpdateRequireRegistration(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	c := New(WithClock(func() time.Time { return time.Unix(now, 0) }))
	s := c.As("ghost")

	assert.True(t, types.IsAdmission(s.Ping(ctx)))
	assert.True(t, types.IsAdmission(s.UpdateEndpoint(ctx, "x")))

	s = staked(t, c, "node-A")
	require.NoError(t, s.RegisterNode(ctx, "http://10.0.0.5:3000", 10, false))

	now = 5000
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.UpdateEndpoint(ctx, "http://10.0.0.9:3000"))

	n, _ := s.GetNode(ctx, "node-A")
	assert.EqualValues(t, 5000, n.LastHeartbeat)
	assert.Equal(t, "http://10.0.0.9:3000", n.Endpoint)
}

func TestRegisterAndGetFile(t *testing.T) {
	ctx := context.Background()
	c := New()
	owner := c.As("owner")

	reg := &types.FileRegistration{
		ContentID:         "Qm2",
		FileName:          "report.pdf",
		FileType:          "application/pdf",
		Size:              2048,
		Hosts:             []string{"node-A"},
		ReplicationFactor: 1,
	}
	require.NoError(t, owner.RegisterFile(ctx, reg))

	f, err := owner.GetFile(ctx, "Qm2")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-A"}, f.Hosts)
	assert.Empty(t, f.SharedWith)
	assert.Equal(t, "owner", f.Owner)
	assert.EqualValues(t, 2048, f.Size)

	err = owner.RegisterFile(ctx, reg)
	assert.ErrorIs(t, err, types.ErrDuplicateContent)

	_, err = owner.GetFile(ctx, "missing")
	assert.True(t, types.IsNotFound(err))
}

func TestShareFile(t *testing.T) {
	ctx := context.Background()
	c := New()
	owner := c.As("owner")

	assert.True(t, types.IsNotFound(owner.ShareFile(ctx, "Qm1", "mobile")))

	require.NoError(t, owner.RegisterFile(ctx, &types.FileRegistration{ContentID: "Qm1", ReplicationFactor: 1}))
	require.NoError(t, owner.ShareFile(ctx, "Qm1", "mobile"))
	require.NoError(t, owner.ShareFile(ctx, "Qm1", "mobile"))

	f, err := owner.GetFile(ctx, "Qm1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mobile"}, f.SharedWith)
	assert.True(t, f.SharedTo("mobile"))
}

func TestFileRegisteredFeed(t *testing.T) {
	ctx := context.Background()
	c := New()
	owner := c.As("owner")

	ch := make(chan *types.FileRegistered, 4)
	sub, err := c.As("node-A").SubscribeFileRegistered(ctx, 0, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, owner.RegisterFile(ctx, &types.FileRegistration{ContentID: "Qm1", FileName: "a.txt", ReplicationFactor: 1}))

	// a rejected registration emits nothing
	_ = owner.RegisterFile(ctx, &types.FileRegistration{ContentID: "Qm1", FileName: "a.txt", ReplicationFactor: 1})

	require.True(t, c.Redeliver("Qm1"))
	assert.False(t, c.Redeliver("nope"))

	first := <-ch
	second := <-ch
	assert.Equal(t, "Qm1", first.ContentID)
	assert.Equal(t, "a.txt", first.FileName)
	assert.Equal(t, "owner", first.Owner)
	assert.Equal(t, first.ContentID, second.ContentID)
	assert.Equal(t, first.Block, second.Block)
	assert.Len(t, ch, 0)
}

func TestFileRegisteredOrder(t *testing.T) {
	ctx := context.Background()
	c := New()

	const n = 64
	ch := make(chan *types.FileRegistered)
	sub, err := c.As("node-A").SubscribeFileRegistered(ctx, 0, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := c.As(fmt.Sprintf("owner-%d", i))
			assert.NoError(t, s.RegisterFile(ctx, &types.FileRegistration{ContentID: fmt.Sprintf("Qm%d", i), ReplicationFactor: 1}))
		}(i)
	}

	var last uint64
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			require.Greater(t, ev.Block, last, "event %s out of order", ev.ContentID)
			last = ev.Block
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	wg.Wait()
	assert.Equal(t, c.Block(), last)
}

func TestFileRegisteredFrom(t *testing.T) {
	ctx := context.Background()
	c := New()
	owner := c.As("owner")

	for _, id := range []string{"Qm1", "Qm2", "Qm3"} {
		require.NoError(t, owner.RegisterFile(ctx, &types.FileRegistration{ContentID: id, ReplicationFactor: 1}))
	}
	head, err := owner.HeadBlock(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, head)

	ch := make(chan *types.FileRegistered, 8)
	sub, err := c.As("node-A").SubscribeFileRegistered(ctx, 2, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, owner.RegisterFile(ctx, &types.FileRegistration{ContentID: "Qm4", ReplicationFactor: 1}))

	var got []string
	for len(got) < 3 {
		select {
		case ev := <-ch:
			got = append(got, ev.ContentID)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []string{"Qm2", "Qm3", "Qm4"}, got)

	// from zero starts at the head
	live := make(chan *types.FileRegistered, 8)
	sub2, err := c.As("node-B").SubscribeFileRegistered(ctx, 0, live)
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	assert.Len(t, live, 0)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.Mint("a", big.NewInt(10))

	require.NoError(t, c.As("a").Transfer(ctx, "b", big.NewInt(4)))
	assert.ErrorIs(t, c.As("a").Transfer(ctx, "b", big.NewInt(7)), types.ErrLedgerTransaction)

	b, _ := c.As("a").BalanceOf(ctx, "b")
	assert.EqualValues(t, 4, b.Int64())
}
