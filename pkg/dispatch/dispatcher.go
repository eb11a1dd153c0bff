// Package dispatch drives message processing: it watches the queue, claims
// work per agent, and runs each message through routing, invocation, and the
// conversation manager. Processing is strictly serial within one agent id
// and concurrent across agent ids.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/convo"
	"switchboard/pkg/invoker"
	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
	"switchboard/pkg/queue"
	"switchboard/pkg/routing"
)

// Maintenance cadence.
const (
	defaultPollInterval = 2 * time.Second
	staleInterval       = 5 * time.Minute
	sweepInterval       = 30 * time.Minute
	pruneInterval       = time.Hour
)

// Dispatcher coordinates the queue store, router, invoker, and conversation
// manager.
type Dispatcher struct {
	store  *queue.Store
	cfg    *config.Provider
	convos *convo.Manager
	inv    invoker.Invoker
	events *bus.Bus
	logger *logx.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	workers  map[string]bool
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Options tunes the dispatcher; zero values take defaults.
type Options struct {
	PollInterval time.Duration
}

func New(store *queue.Store, cfg *config.Provider, convos *convo.Manager, inv invoker.Invoker, events *bus.Bus, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Dispatcher{
		store:        store,
		cfg:          cfg,
		convos:       convos,
		inv:          inv,
		events:       events,
		logger:       logx.NewLogger("dispatch"),
		pollInterval: opts.PollInterval,
		workers:      make(map[string]bool),
		shutdown:     make(chan struct{}),
	}
}

func (d *Dispatcher) publish(ev proto.Event) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// Start launches the dispatch loop and maintenance timers. It returns once
// the loops are running; Stop shuts them down.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.publish(proto.NewEvent(proto.EventProcessorStart))

	d.wg.Add(2)
	go d.dispatchLoop(ctx)
	go d.maintenanceLoop(ctx)
	return nil
}

// Stop signals shutdown and waits for the loops and in-flight workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.shutdown)
	d.mu.Unlock()

	d.wg.Wait()
}

// dispatchLoop wakes on enqueue signals with a fallback poll, then fans
// pending agents out to workers.
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()

	var signals <-chan proto.Event
	if d.events != nil {
		ch, cancel := d.events.Subscribe()
		defer cancel()
		signals = ch
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.dispatchPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case ev, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if ev.Type == proto.EventMessageEnqueued {
				d.dispatchPending(ctx)
			}
		case <-ticker.C:
			d.dispatchPending(ctx)
		}
	}
}

func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	stale := time.NewTicker(staleInterval)
	sweep := time.NewTicker(sweepInterval)
	prune := time.NewTicker(pruneInterval)
	defer stale.Stop()
	defer sweep.Stop()
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-stale.C:
			settings := d.cfg.Snapshot().Settings
			if n, err := d.store.RecoverStale(settings.StaleAfter()); err != nil {
				d.logger.Error("Stale recovery failed: %v", err)
			} else if n > 0 {
				d.dispatchPending(ctx)
			}
		case <-sweep.C:
			settings := d.cfg.Snapshot().Settings
			d.convos.SweepExpired(settings.ConversationTimeout())
		case <-prune.C:
			settings := d.cfg.Snapshot().Settings
			if _, err := d.store.PruneCompleted(settings.PruneAfter()); err != nil {
				d.logger.Error("Message prune failed: %v", err)
			}
			if _, err := d.store.PruneAcked(settings.PruneAfter()); err != nil {
				d.logger.Error("Response prune failed: %v", err)
			}
		}
	}
}

// dispatchPending ensures a worker is draining every agent with pending
// rows.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	agents, err := d.store.PendingAgents()
	if err != nil {
		d.logger.Error("Failed to list pending agents: %v", err)
		return
	}
	for _, agentID := range agents {
		d.ensureWorker(ctx, agentID)
	}
}

// ensureWorker starts the per-agent drain goroutine unless one is already
// running. The worker claims and processes messages one at a time, so at
// most one message per agent is ever in flight.
func (d *Dispatcher) ensureWorker(ctx context.Context, agentID string) {
	d.mu.Lock()
	if !d.running || d.workers[agentID] {
		d.mu.Unlock()
		return
	}
	d.workers[agentID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.workers, agentID)
			d.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.shutdown:
				return
			default:
			}

			msg, err := d.store.ClaimNext(agentID)
			if err != nil {
				d.logger.Error("Claim failed for %s: %v", agentID, err)
				return
			}
			if msg == nil {
				return
			}
			if err := d.process(ctx, msg); err != nil {
				d.logger.Error("Processing message %d failed: %v", msg.ID, err)
				if failErr := d.store.Fail(msg.ID, err.Error()); failErr != nil {
					d.logger.Error("Failed to fail message %d: %v", msg.ID, failErr)
				}
			}
		}
	}()
}

// process runs one claimed message end to end. A returned error sends the
// row through the retry path.
func (d *Dispatcher) process(ctx context.Context, msg *proto.Message) error {
	snap := d.cfg.Snapshot()

	if msg.IsInternal() {
		return d.processInternal(ctx, msg, snap)
	}
	return d.processExternal(ctx, msg, snap)
}

func (d *Dispatcher) processExternal(ctx context.Context, msg *proto.Message, snap config.Snapshot) error {
	agentID := msg.Agent
	prompt := msg.Body
	teamID := ""
	isTeam := false

	// A pre-routed row is authoritative; otherwise parse the @token.
	if agentID == "" || agentID == proto.DefaultAgent {
		decision := routing.ParseAgentRouting(msg.Body, snap.Agents, snap.Teams)
		agentID = decision.AgentID
		prompt = decision.Message
		teamID = decision.TeamID
		isTeam = decision.IsTeam

		ev := proto.NewEvent(proto.EventAgentRouted)
		ev.AgentID = agentID
		ev.TeamID = teamID
		ev.MessageID = msg.MessageID
		d.publish(ev)
	}

	agentID, err := d.resolveAgent(agentID, snap)
	if err != nil {
		d.logger.Error("Cannot route message %s: %v", msg.MessageID, err)
		return d.store.FailPermanently(msg.ID, err.Error())
	}

	// Team context: the explicitly named team wins, else the first team the
	// agent belongs to.
	var team config.TeamConfig
	haveTeam := false
	if isTeam {
		team, haveTeam = snap.Teams[teamID], true
	} else if id, t, ok := routing.FindTeamForAgent(agentID, snap.Teams); ok {
		teamID, team, haveTeam = id, t, true
	}

	// A pipelined team starts at the head of the sequence, not the leader.
	if isTeam && team.Pipeline != nil && len(team.Pipeline.Sequence) > 0 {
		agentID = team.Pipeline.Sequence[0]
	}

	response := d.invokeAgent(ctx, agentID, prompt, snap)

	if !haveTeam {
		return d.replySingle(msg, agentID, response, snap)
	}

	conv := d.convos.Start(teamID, team, convo.Origin{
		MessageID: msg.MessageID,
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		SenderID:  msg.SenderID,
		Body:      prompt,
		Files:     msg.Files,
	})
	if err := d.convos.CompleteStep(conv, agentID, response, snap.Agents); err != nil {
		return err
	}
	return d.store.Complete(msg.ID)
}

func (d *Dispatcher) processInternal(ctx context.Context, msg *proto.Message, snap config.Snapshot) error {
	agentID := msg.Agent

	conv, ok := d.convos.Get(msg.ConversationID)
	if !ok {
		// The process died mid-chain; rebuild enough state to finish this
		// branch and answer the user.
		teamID, team, found := routing.FindTeamForAgent(agentID, snap.Teams)
		if !found {
			return fmt.Errorf("internal message for %s has no team", agentID)
		}
		conv = d.convos.Resume(msg.ConversationID, teamID, team, convo.Origin{
			MessageID: msg.MessageID,
			Channel:   msg.Channel,
			Sender:    msg.Sender,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
		})
	}

	resolved, err := d.resolveAgent(agentID, snap)
	if err != nil {
		return d.store.FailPermanently(msg.ID, err.Error())
	}
	agentID = resolved

	prompt := msg.Body + d.convos.PendingTrailer(msg.ConversationID)
	response := d.invokeAgent(ctx, agentID, prompt, snap)

	if err := d.convos.CompleteStep(conv, agentID, response, snap.Agents); err != nil {
		return err
	}
	return d.store.Complete(msg.ID)
}

// resolveAgent validates the routed id against the configured agents,
// falling back to default and then to the first configured agent.
func (d *Dispatcher) resolveAgent(agentID string, snap config.Snapshot) (string, error) {
	if _, ok := snap.Agents[agentID]; ok {
		return agentID, nil
	}
	if _, ok := snap.Agents[proto.DefaultAgent]; ok {
		d.logger.Warn("Agent %q not configured, falling back to default", agentID)
		return proto.DefaultAgent, nil
	}
	ids := make([]string, 0, len(snap.Agents))
	for id := range snap.Agents {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("No agents configured")
	}
	sort.Strings(ids)
	d.logger.Warn("Agent %q not configured, falling back to %q", agentID, ids[0])
	return ids[0], nil
}

// invokeAgent runs the invoker with the agent's reset flag honoured.
// Failures become the apology text so the user always hears back.
func (d *Dispatcher) invokeAgent(ctx context.Context, agentID, prompt string, snap config.Snapshot) string {
	agentCfg := snap.Agents[agentID]
	reset := d.consumeResetFlag(agentCfg)

	ev := proto.NewEvent(proto.EventChainStepStart)
	ev.AgentID = agentID
	d.publish(ev)

	response, err := d.inv.Invoke(ctx, agentCfg, prompt, agentCfg.WorkingDir, reset)
	if err != nil {
		d.logger.Error("Invoke failed for %s (%s): %v", agentID, agentCfg.Provider, err)
		return invoker.Apology
	}
	return response
}

// consumeResetFlag checks for and removes the agent's reset_flag file.
func (d *Dispatcher) consumeResetFlag(agentCfg config.AgentConfig) bool {
	if agentCfg.WorkingDir == "" {
		return false
	}
	flag := filepath.Join(agentCfg.WorkingDir, "reset_flag")
	if _, err := os.Stat(flag); err != nil {
		return false
	}
	if err := os.Remove(flag); err != nil {
		d.logger.Warn("Failed to remove reset flag %s: %v", flag, err)
	}
	return true
}

// replySingle answers a message with no team context: one response row,
// with send-file promotion and long-response handling applied.
func (d *Dispatcher) replySingle(msg *proto.Message, agentID, response string, snap config.Snapshot) error {
	settings := snap.Settings
	body, files, err := convo.PrepareOutbound(response, msg.Files, settings.LongResponseChars, settings.Workspace, msg.MessageID)
	if err != nil {
		d.logger.Error("Outbound preparation failed for %s: %v", msg.MessageID, err)
		body, files = response, msg.Files
	}

	if _, err := d.store.EnqueueResponse(&proto.Response{
		MessageID:       msg.MessageID,
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		SenderID:        msg.SenderID,
		Body:            body,
		OriginalMessage: msg.Body,
		Agent:           agentID,
		Files:           files,
	}); err != nil {
		return err
	}

	ev := proto.NewEvent(proto.EventResponseReady)
	ev.AgentID = agentID
	ev.MessageID = msg.MessageID
	ev.ResponseLength = len(body)
	d.publish(ev)

	return d.store.Complete(msg.ID)
}
