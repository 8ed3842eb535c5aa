package ipcserve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/northriverfence/orbit/pkg/governor"
	"github.com/northriverfence/orbit/pkg/learning"
	"github.com/northriverfence/orbit/pkg/mediation"
	"github.com/northriverfence/orbit/pkg/orbitrpc"
)

// OrbitDeps are the collaborators behind the orbit method set.
type OrbitDeps struct {
	Pipeline *mediation.Pipeline
	Store    *learning.Store
	Limiter  *governor.Limiter
	Started  time.Time
}

// RegisterOrbit wires the orbit methods and the legacy shell protocol onto
// a server.
func RegisterOrbit(s *Server, deps OrbitDeps) {
	s.Register(orbitrpc.MethodCommand, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		permit, rpcErr := acquire(ctx, deps.Limiter)
		if rpcErr != nil {
			return nil, rpcErr
		}
		defer permit.Release()
		if err := deps.Limiter.CheckMemory(); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		var params orbitrpc.CommandParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad command params")
		}
		return deps.Pipeline.HandleCommand(ctx, params), nil
	})

	s.Register(orbitrpc.MethodFeedback, func(ctx context.Context, raw json.RawMessage) (any, *orbitrpc.RPCError) {
		permit, rpcErr := acquire(ctx, deps.Limiter)
		if rpcErr != nil {
			return nil, rpcErr
		}
		defer permit.Release()
		var params orbitrpc.FeedbackParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInvalidParams, "bad feedback params")
		}
		if err := deps.Pipeline.HandleFeedback(ctx, params); err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		return map[string]bool{"ok": true}, nil
	})

	s.Register(orbitrpc.MethodStatus, func(ctx context.Context, _ json.RawMessage) (any, *orbitrpc.RPCError) {
		stats := deps.Limiter.Stats()
		learnStats, err := deps.Store.Stats(ctx)
		if err != nil {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
		}
		return orbitrpc.StatusResult{
			UptimeSeconds:     int64(time.Since(deps.Started).Seconds()),
			ActiveRequests:    stats.ActiveRequests,
			TotalRequests:     stats.TotalRequests,
			RejectedRequests:  stats.RejectedRequests,
			TotalPatterns:     learnStats.TotalPatterns,
			TotalExecutions:   learnStats.TotalExecutions,
			SuccessRate:       learnStats.SuccessRate,
			EmbeddingsEnabled: deps.Store.EmbeddingsEnabled(),
		}, nil
	})

	// Shells that predate the JSON framing send bare command lines.
	s.SetLegacy(func(ctx context.Context, line string) string {
		result := deps.Pipeline.HandleCommand(ctx, orbitrpc.CommandParams{Input: line})
		switch result.Action {
		case orbitrpc.ActionPassthrough:
			return "PASSTHROUGH"
		case orbitrpc.ActionReplaced:
			return "REPLACED:" + result.Command
		default:
			return "ERROR:" + result.Message
		}
	})
}

func acquire(ctx context.Context, limiter *governor.Limiter) (*governor.Permit, *orbitrpc.RPCError) {
	permit, err := limiter.Acquire(ctx)
	if err != nil {
		if errors.Is(err, governor.ErrOverloaded) {
			return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, "server overloaded")
		}
		return nil, orbitrpc.NewError(orbitrpc.CodeInternalError, err.Error())
	}
	return permit, nil
}
