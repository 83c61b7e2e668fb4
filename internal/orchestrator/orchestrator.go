// Package orchestrator drives one message through accept, claim, analyze,
// decide, transform, and deliver, per the gateway's state machine. It is
// the only component that touches every other package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
	"github.com/cellophanemail/gateway-core/internal/decision"
	"github.com/cellophanemail/gateway-core/internal/ephemeral"
	"github.com/cellophanemail/gateway-core/internal/outbound"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/shield"
	"github.com/cellophanemail/gateway-core/internal/transform"
)

// Config bounds the orchestrator's suspension points.
type Config struct {
	AnalyzerTimeout time.Duration
	SendTimeout     time.Duration
	FromAddress     string
	DrainTimeout    time.Duration
}

// Orchestrator coordinates the accept/process pipeline over the shared
// ephemeral store.
type Orchestrator struct {
	store    *ephemeral.Store
	router   *shield.Router
	analyzer analyzer.Analyzer
	policy   decision.Policy
	sender   outbound.Sender
	cfg      Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// New builds an Orchestrator wired to its collaborators.
func New(store *ephemeral.Store, router *shield.Router, an analyzer.Analyzer, policy decision.Policy, sender outbound.Sender, cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		router:   router,
		analyzer: an,
		policy:   policy,
		sender:   sender,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Accept validates nothing beyond what the caller already has done, stores
// the entry, and spawns a background task to process it. It returns as
// soon as the store accepts the entry — delivery outcome is never visible
// to the caller.
func (o *Orchestrator) Accept(email *ephemeral.EphemeralEmail) error {
	if err := o.store.Put(email); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(email.MessageID)
	}()

	return nil
}

// process runs the full pipeline for one claimed message id. Every error
// path still evicts the entry: ephemeral state must not outlive the
// attempt that created it.
func (o *Orchestrator) process(messageID string) {
	claimed, err := o.store.Claim(messageID)
	if err != nil {
		if errors.Is(err, ephemeral.ErrAlreadyClaimed) {
			return
		}
		logger.Error("orchestrator: claim failed", "message_id", messageID, "error", err.Error())
		return
	}

	defer o.store.Evict(messageID)

	result, unavailable := o.analyze(claimed)

	d := decision.Decide(result, unavailable, o.policy)

	if d.Action == decision.BlockEntirely {
		o.store.UpdateState(messageID, ephemeral.Completed)
		logger.Info("orchestrator: blocked message", "message_id", messageID, "rationale", d.Rationale)
		return
	}

	routing, err := o.router.Resolve(o.ctx, claimed.ShieldAddress)
	if err != nil {
		o.store.UpdateState(messageID, ephemeral.Failed)
		logger.Info("orchestrator: routing failed", "message_id", messageID, "error", err.Error())
		return
	}

	outMsg, dropped := transform.Transform(claimed, d, o.cfg.FromAddress, routing.RealDeliveryAddress)
	if dropped != nil {
		o.store.UpdateState(messageID, ephemeral.Completed)
		return
	}

	if err := o.store.UpdateState(messageID, ephemeral.Delivering); err != nil {
		logger.Error("orchestrator: state transition failed", "message_id", messageID, "error", err.Error())
		return
	}

	if o.ctx.Err() != nil {
		o.store.UpdateState(messageID, ephemeral.Failed)
		return
	}

	sendCtx, cancel := context.WithTimeout(o.ctx, o.cfg.SendTimeout)
	defer cancel()

	result2, err := o.sender.Send(sendCtx, outMsg, messageID)
	if err != nil || result2.Outcome != outbound.Delivered {
		o.store.UpdateState(messageID, ephemeral.Failed)
		logger.Info("orchestrator: delivery failed", "message_id", messageID, "outcome", result2.Outcome.String())
		return
	}

	o.store.UpdateState(messageID, ephemeral.Completed)
}

// analyze invokes the analyzer under the configured hard deadline, folding
// a timeout or upstream failure into the AnalysisUnavailable fallback
// path rather than propagating an error.
func (o *Orchestrator) analyze(email *ephemeral.EphemeralEmail) (analyzer.Result, bool) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.AnalyzerTimeout)
	defer cancel()

	result, err := o.analyzer.Analyze(ctx, email.TextBody, email.FromAddress)
	if err != nil {
		return analyzer.Result{}, true
	}
	return result, false
}

// Shutdown cancels in-flight tasks' suspension points and waits up to
// cfg.DrainTimeout for them to finish before returning. Tasks still
// running past the deadline are abandoned; the reaper reclaims their
// entries once the TTL grace period elapses.
func (o *Orchestrator) Shutdown() error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(o.cfg.DrainTimeout):
		return fmt.Errorf("orchestrator: shutdown drain deadline exceeded with tasks still in flight")
	}
}
