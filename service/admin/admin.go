// Package admin builds the read-only reports of the node network.
package admin

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/mgutz/ansi"
	"github.com/modood/table"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/lib/utils"
)

const (
	// TokenSymbol is the display unit of stake balances.
	TokenSymbol = "STOR"
	TimeFormat  = "2006-01-02 15:04:05"

	fetchParallel = 8
)

var livenessColor = map[types.Liveness]string{
	types.Online:  "green",
	types.Warning: "yellow",
	types.Dead:    "red",
}

// Network is a snapshot of every node the registry knows.
type Network struct {
	At    time.Time
	Nodes []*types.NodeRecord

	TotalCapacity uint64
	FreeCapacity  uint64
}

// Count returns the number of nodes in the given liveness class.
func (n *Network) Count(l types.Liveness) int {
	return lo.CountBy(n.Nodes, func(nr *types.NodeRecord) bool {
		return nr.Liveness(n.At) == l
	})
}

// Registered returns the nodes with a registration on record.
func (n *Network) Registered() []*types.NodeRecord {
	return lo.Filter(n.Nodes, func(nr *types.NodeRecord, _ int) bool {
		return nr.IsRegistered
	})
}

// FetchNetwork reads every node record, in registration order.
func FetchNetwork(ctx context.Context, reg api.INodeRegistry, now time.Time) (*Network, error) {
	ids, err := reg.GetAllNodes(ctx)
	if err != nil {
		return nil, xerrors.Errorf("list nodes: %w", err)
	}
	ids = lo.Uniq(ids)

	nodes := make([]*types.NodeRecord, len(ids))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchParallel)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			n, err := reg.GetNode(ectx, id)
			if err != nil {
				return xerrors.Errorf("read node %s: %w", id, err)
			}
			nodes[i] = n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &Network{
		At:            now,
		Nodes:         nodes,
		TotalCapacity: lo.SumBy(nodes, func(n *types.NodeRecord) uint64 { return n.TotalCapacity }),
		FreeCapacity:  lo.SumBy(nodes, func(n *types.NodeRecord) uint64 { return n.FreeCapacity }),
	}, nil
}

type nodeRow struct {
	Endpoint   string
	Capacity   string
	Reputation string
	Status     string
	LastSeen   string
}

func gb(b uint64) float64 {
	return float64(b) / utils.GiB
}

// Render draws the node table with a capacity footer. Status labels are
// coloured when color is set.
func (n *Network) Render(color bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d registered nodes\n", len(n.Registered()))

	if len(n.Nodes) > 0 {
		rows := lo.Map(n.Nodes, func(nr *types.NodeRecord, _ int) nodeRow {
			return nodeRow{
				Endpoint:   nr.Endpoint,
				Capacity:   fmt.Sprintf("%.0f/%.0f GB", gb(nr.FreeCapacity), gb(nr.TotalCapacity)),
				Reputation: fmt.Sprintf("%d", nr.Reputation),
				Status:     nr.Liveness(n.At).String(),
				LastSeen:   nr.LastSeen().Format(TimeFormat),
			}
		})

		out := table.Table(rows)
		if color {
			// labels are padded by the table, colouring after keeps alignment
			for l, c := range livenessColor {
				out = strings.ReplaceAll(out, " "+l.String()+" ", " "+ansi.Color(l.String(), c)+" ")
			}
		}
		sb.WriteString(out)
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Online: %d  Warning: %d  Dead: %d\n", n.Count(types.Online), n.Count(types.Warning), n.Count(types.Dead))
	fmt.Fprintf(&sb, "TOTAL NETWORK CAPACITY: %.2f GB (%.2f GB free)\n", gb(n.TotalCapacity), gb(n.FreeCapacity))
	return sb.String()
}

// Profile is the ledger's view of a single identity.
type Profile struct {
	Node    *types.NodeRecord
	Balance *big.Int
	At      time.Time
}

func FetchProfile(ctx context.Context, reg api.INodeRegistry, tok api.IStakeToken, id string, now time.Time) (*Profile, error) {
	n, err := reg.GetNode(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("read node %s: %w", id, err)
	}
	bal, err := tok.BalanceOf(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("read balance of %s: %w", id, err)
	}
	return &Profile{Node: n, Balance: bal, At: now}, nil
}

// FormatToken renders an 18 decimal token amount.
func FormatToken(v *big.Int) string {
	if v == nil {
		return "0"
	}
	f := new(big.Float).SetInt(v)
	f.Quo(f, new(big.Float).SetInt64(params.Ether))
	return f.Text('f', 4)
}

func (p *Profile) Render(color bool) string {
	paint := func(s, c string) string {
		if !color {
			return s
		}
		return ansi.Color(s, c)
	}

	n := p.Node
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", paint("----------- On-chain Profile -----------", "green"))
	fmt.Fprintf(&sb, "Identity:    %s\n", n.Identity)

	if n.IsRegistered {
		l := n.Liveness(p.At)
		fmt.Fprintf(&sb, "Status:      %s\n", paint("REGISTERED", "green"))
		fmt.Fprintf(&sb, "Endpoint:    %s\n", n.Endpoint)
		fmt.Fprintf(&sb, "Capacity:    %.2f GB Free / %.2f GB Total\n", gb(n.FreeCapacity), gb(n.TotalCapacity))
		fmt.Fprintf(&sb, "Reputation:  %d / %d\n", n.Reputation, types.MaxReputation)
		fmt.Fprintf(&sb, "Device Type: %s\n", n.Tier())
		fmt.Fprintf(&sb, "Last Pulse:  %s (%s)\n", n.LastSeen().Format(TimeFormat), paint(l.String(), livenessColor[l]))
	} else {
		fmt.Fprintf(&sb, "Status:      %s\n", paint("NOT REGISTERED", "red"))
		sb.WriteString("             (start the daemon to register)\n")
	}

	fmt.Fprintf(&sb, "Wallet:      %s %s\n", FormatToken(p.Balance), TokenSymbol)
	return sb.String()
}

// PickHosts returns up to count registered nodes, live ones first, each
// group in registration order.
func (n *Network) PickHosts(count int) []string {
	reg := n.Registered()
	dead := func(nr *types.NodeRecord, _ int) bool {
		return nr.Liveness(n.At) == types.Dead
	}
	live := lo.Reject(reg, dead)
	ids := lo.Map(append(live, lo.Filter(reg, dead)...), func(nr *types.NodeRecord, _ int) string {
		return nr.Identity
	})
	if count < 0 {
		count = 0
	}
	if count < len(ids) {
		ids = ids[:count]
	}
	return ids
}
