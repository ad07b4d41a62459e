package api

import (
	"context"
)

type AgentAPIStruct struct {
	Internal struct {
		AgentStatus func(ctx context.Context) (*AgentStatus, error)         `perm:"read"`
		PinStatus   func(ctx context.Context, cid string) (*PinRecord, error) `perm:"read"`
		Shutdown    func(ctx context.Context) error                          `perm:"admin"`
	}
}

var _ AgentAPI = (*AgentAPIStruct)(nil)

func (s *AgentAPIStruct) AgentStatus(ctx context.Context) (*AgentStatus, error) {
	return s.Internal.AgentStatus(ctx)
}

func (s *AgentAPIStruct) PinStatus(ctx context.Context, cid string) (*PinRecord, error) {
	return s.Internal.PinStatus(ctx, cid)
}

func (s *AgentAPIStruct) Shutdown(ctx context.Context) error {
	return s.Internal.Shutdown(ctx)
}

// ProxyAgentAPI exposes only the AgentAPI methods of in, so the rpc server
// does not register anything else the implementation carries.
func ProxyAgentAPI(in AgentAPI) *AgentAPIStruct {
	out := new(AgentAPIStruct)
	out.Internal.AgentStatus = in.AgentStatus
	out.Internal.PinStatus = in.PinStatus
	out.Internal.Shutdown = in.Shutdown
	return out
}
