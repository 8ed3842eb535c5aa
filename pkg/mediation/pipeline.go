// Package mediation glues the orbit request path together: classify the
// input, consult the learning store, fall through to an AI provider, screen
// the result, and fold user feedback back into the store.
package mediation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/audit"
	"github.com/northriverfence/orbit/pkg/classifier"
	"github.com/northriverfence/orbit/pkg/learning"
	"github.com/northriverfence/orbit/pkg/orbitrpc"
	"github.com/northriverfence/orbit/pkg/provider"
	"github.com/northriverfence/orbit/pkg/safety"
	"github.com/northriverfence/orbit/pkg/shellctx"
)

const suggestionCacheSize = 512

// Pipeline handles command and feedback requests for one daemon process.
type Pipeline struct {
	classifier *classifier.Classifier
	store      *learning.Store
	router     *provider.Router
	audit      *audit.Logger

	// cache remembers validated AI suggestions per (fingerprint, input)
	// so one context asks the provider at most once per input.
	cacheMu sync.Mutex
	cache   map[string]orbitrpc.CommandResult

	log zerolog.Logger
}

func NewPipeline(c *classifier.Classifier, store *learning.Store, router *provider.Router, auditLog *audit.Logger, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		classifier: c,
		store:      store,
		router:     router,
		audit:      auditLog,
		cache:      make(map[string]orbitrpc.CommandResult),
		log:        log.With().Str("component", "mediation").Logger(),
	}
}

// HandleCommand resolves one input line into a passthrough, a replacement
// command, or an error reply.
func (p *Pipeline) HandleCommand(ctx context.Context, params orbitrpc.CommandParams) orbitrpc.CommandResult {
	snap := shellctx.Capture(params.Cwd, params.Shell)

	classification, err := p.classifier.Classify(ctx, params.Input)
	if err != nil {
		p.log.Error().Err(err).Msg("Classification failed")
		return orbitrpc.CommandResult{Action: orbitrpc.ActionError, Message: "classification failed"}
	}

	switch classification.Kind {
	case classifier.Known:
		return orbitrpc.CommandResult{Action: orbitrpc.ActionPassthrough}
	case classifier.LearnedPattern:
		return orbitrpc.CommandResult{Action: orbitrpc.ActionReplaced, Command: classification.Pattern.LearnedCmd}
	}

	// NaturalLanguage and Ambiguous both go to a provider.
	cacheKey := snap.Fingerprint() + "\x00" + params.Input
	p.cacheMu.Lock()
	cached, ok := p.cache[cacheKey]
	p.cacheMu.Unlock()
	if ok {
		return cached
	}

	cmd, err := p.router.Route(ctx, params.Input, snap)
	if err != nil {
		p.log.Warn().Err(err).Str("input", params.Input).Msg("Provider routing failed")
		return orbitrpc.CommandResult{Action: orbitrpc.ActionError, Message: "AI provider error: " + err.Error()}
	}

	verdict := safety.Validate(cmd)
	if verdict.IsRejected() {
		p.log.Warn().Str("command", cmd).Str("reason", verdict.Reason).Msg("AI suggestion rejected")
		p.auditEvent(ctx, audit.CommandRejected(snap.Username, cmd, verdict.Reason))
		return orbitrpc.CommandResult{Action: orbitrpc.ActionError, Message: "AI suggestion rejected"}
	}

	p.auditEvent(ctx, audit.AIQuery(snap.Username, params.Input, cmd))
	result := orbitrpc.CommandResult{
		Action:      orbitrpc.ActionReplaced,
		Command:     cmd,
		Destructive: verdict.Verdict == safety.Destructive,
	}
	p.cachePut(cacheKey, result)
	return result
}

// HandleFeedback applies a post-execution report to the learning store.
func (p *Pipeline) HandleFeedback(ctx context.Context, params orbitrpc.FeedbackParams) error {
	switch params.Result {
	case orbitrpc.FeedbackSuccess:
		if err := p.store.RecordSuccess(ctx, params.Input, params.Executed); err != nil {
			return err
		}
		now := time.Now()
		return p.store.RecordTemporal(ctx, params.Executed, now.Hour(), int(now.Weekday()))
	case orbitrpc.FeedbackFailed:
		return p.store.RecordFailure(ctx, params.Input, params.Executed)
	case orbitrpc.FeedbackRejected:
		p.log.Info().Str("input", params.Input).Str("suggestion", params.Executed).
			Msg("User rejected suggestion")
		return nil
	case orbitrpc.FeedbackEdited:
		snap := shellctx.Capture("", "")
		return p.store.RecordCorrection(ctx, params.Input, params.Executed, params.Edited, snap)
	default:
		p.log.Warn().Str("result", params.Result).Msg("Unknown feedback result")
		return nil
	}
}

func (p *Pipeline) cachePut(key string, result orbitrpc.CommandResult) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if len(p.cache) >= suggestionCacheSize {
		// Full cache resets wholesale; fingerprints change often enough
		// that precise eviction buys nothing.
		p.cache = make(map[string]orbitrpc.CommandResult)
	}
	p.cache[key] = result
}

func (p *Pipeline) auditEvent(ctx context.Context, event audit.Event) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Log(ctx, event); err != nil {
		p.log.Warn().Err(err).Msg("Failed to write audit event")
	}
}
