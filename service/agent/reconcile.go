package agent

import (
	"context"
	"math/big"

	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/submodule/metrics"
)

// reconcile outcomes, also the values of the action metric tag
const (
	ActionRegister     = "register"
	ActionNoop         = "noop"
	ActionUpdate       = "update"
	ActionUpdateFailed = "update_failed"
)

func (a *Agent) reconcileAt(ctx context.Context, ep string) error {
	a.lk.Lock()
	a.endpoint = ep
	a.lk.Unlock()
	return a.reconcile(ctx)
}

// reconcile makes the ledger record of this identity match the detected
// endpoint. Only a failed read or a failed first registration is fatal.
func (a *Agent) reconcile(ctx context.Context) error {
	ep := a.Endpoint()

	node, err := a.readNode(ctx)
	if err != nil {
		return xerrors.Errorf("read node %s: %w", a.self, err)
	}

	var action string
	switch {
	case !node.IsRegistered:
		action = ActionRegister
		if err := a.register(ctx, ep); err != nil {
			// a timed out attempt may have landed before the retry
			if !types.IsAdmission(err) || !a.registered(ctx) {
				a.recordReconcile(ctx, action)
				return err
			}
		}
	case node.Endpoint == ep:
		action = ActionNoop
		logger.Infow("endpoint unchanged", "identity", a.self, "endpoint", ep)
	default:
		action = ActionUpdate
		logger.Infow("endpoint changed", "identity", a.self, "from", node.Endpoint, "to", ep)
		err := a.send(ctx, "updateEndpoint", func(ctx context.Context) error {
			return a.deps.Registry.UpdateEndpoint(ctx, ep)
		})
		if err != nil {
			action = ActionUpdateFailed
			logger.Errorw("update endpoint failed, keeping ledger endpoint", "identity", a.self, "ledger", node.Endpoint, "detected", ep, "error", err)
		}
	}
	a.recordReconcile(ctx, action)

	if action != ActionNoop {
		if n, err := a.readNode(ctx); err == nil {
			node = n
		} else {
			logger.Warnw("refresh node record failed", "identity", a.self, "error", err)
		}
	}
	a.setNode(node)

	return nil
}

func (a *Agent) recordReconcile(ctx context.Context, action string) {
	metrics.Inc(ctx, metrics.Reconcile, tag.Upsert(metrics.Action, action))
}

func (a *Agent) readNode(ctx context.Context) (*types.NodeRecord, error) {
	var node *types.NodeRecord
	err := a.call(ctx, "nodes", func(ctx context.Context) error {
		n, err := a.deps.Registry.GetNode(ctx, a.self)
		if err != nil {
			return err
		}
		if err := n.Validate(); err != nil {
			logger.Warnw("inconsistent node record", "identity", a.self, "error", err)
		}
		node = n
		return nil
	})
	return node, err
}

func (a *Agent) registered(ctx context.Context) bool {
	n, err := a.readNode(ctx)
	return err == nil && n.IsRegistered
}

func (a *Agent) setNode(n *types.NodeRecord) {
	a.lk.Lock()
	a.node = n
	a.lk.Unlock()

	a.journal.putNode(n)
}

// register approves the stake if no earlier approval covers it and then
// registers. A run that approved but failed to register resumes at the
// registration.
func (a *Agent) register(ctx context.Context, ep string) error {
	var stake, allowance *big.Int
	spender := a.deps.Registry.Address()

	err := a.call(ctx, "stakeAmount", func(ctx context.Context) error {
		s, err := a.deps.Registry.StakeAmount(ctx)
		stake = s
		return err
	})
	if err != nil {
		return err
	}

	err = a.call(ctx, "allowance", func(ctx context.Context) error {
		al, err := a.deps.Token.Allowance(ctx, a.self, spender)
		allowance = al
		return err
	})
	if err != nil {
		return err
	}

	if allowance.Cmp(stake) < 0 {
		var bal *big.Int
		err = a.call(ctx, "balanceOf", func(ctx context.Context) error {
			b, err := a.deps.Token.BalanceOf(ctx, a.self)
			bal = b
			return err
		})
		if err != nil {
			return err
		}
		if bal.Cmp(stake) < 0 {
			return types.Errorf(types.ErrAdmission, "register", "insufficient stake: need %s, has %s", stake, bal)
		}

		logger.Infow("approve stake", "identity", a.self, "spender", spender, "amount", stake)
		err = a.send(ctx, "approve", func(ctx context.Context) error {
			return a.deps.Token.Approve(ctx, spender, stake)
		})
		if err != nil {
			return err
		}
	} else {
		logger.Infow("stake already approved", "identity", a.self, "allowance", allowance)
	}

	logger.Infow("register node", "identity", a.self, "endpoint", ep, "capacity", a.cfg.Capacity, "mobile", a.cfg.IsMobile)
	return a.send(ctx, "registerNode", func(ctx context.Context) error {
		return a.deps.Registry.RegisterNode(ctx, ep, a.cfg.Capacity, a.cfg.IsMobile)
	})
}
