package types

import (
	"time"

	"golang.org/x/xerrors"
)

const (
	DefaultReputation = 100
	MaxReputation     = 100
)

// NodeRecord is the registry entry of one storage node. The zero value is
// what the registry returns for an identity that never registered.
type NodeRecord struct {
	Identity      string `json:"identity"`
	Endpoint      string `json:"endpoint"`
	TotalCapacity uint64 `json:"totalCapacity"`
	FreeCapacity  uint64 `json:"freeCapacity"`
	Reputation    uint8  `json:"reputation"`
	LastHeartbeat int64  `json:"lastHeartbeat"` // unix seconds
	IsMobile      bool   `json:"isMobile"`
	IsRegistered  bool   `json:"isRegistered"`
	StakeLocked   bool   `json:"stakeLocked"`
}

// Validate checks the capacity and reputation bounds.
func (n *NodeRecord) Validate() error {
	if n.FreeCapacity > n.TotalCapacity {
		return xerrors.Errorf("node %s free capacity %d exceeds total %d", n.Identity, n.FreeCapacity, n.TotalCapacity)
	}
	if n.Reputation > MaxReputation {
		return xerrors.Errorf("node %s reputation %d out of range", n.Identity, n.Reputation)
	}
	if n.IsRegistered && !n.StakeLocked {
		return xerrors.Errorf("node %s is registered without locked stake", n.Identity)
	}
	return nil
}

// Liveness classifies the node at now.
func (n *NodeRecord) Liveness(now time.Time) Liveness {
	return ClassifyAt(n.LastHeartbeat, now)
}

func (n *NodeRecord) LastSeen() time.Time {
	return time.Unix(n.LastHeartbeat, 0)
}

func (n *NodeRecord) Tier() string {
	if n.IsMobile {
		return "Mobile (Tier 2)"
	}
	return "Desktop (Tier 1)"
}
