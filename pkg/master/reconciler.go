package master

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// Reconciler drives the registry toward the goal: every partition in
// [0, goal) held by exactly one live worker, plus exactly one master-role
// worker. Each pass classifies entries, resolves duplicates, escalates
// staleness, reuses spare identities, and mints new ones only when no spare
// can serve.
type Reconciler struct {
	m      *Master
	logger logging.Logger

	// notifiedDead remembers which workers the operator was already told
	// about, so a dead worker produces one notification, not one per pass.
	notifiedDead map[string]bool
}

// NewReconciler builds the reconciler for a master.
func NewReconciler(m *Master, logger logging.Logger) *Reconciler {
	return &Reconciler{
		m:            m,
		logger:       logger.With(logging.Component("reconciler")),
		notifiedDead: make(map[string]bool),
	}
}

// Run reconciles on the heartbeat cadence until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.m.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticker.Reset(r.m.Config().HeartbeatInterval)
			if err := r.Pass(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", logging.Error(err))
			}
		}
	}
}

// assignment is a goal a plan wants handed to some identity.
type assignment struct {
	partitionID    int
	partitionCount int
	isMaster       bool
}

// plan is the outcome of classifying the registry against a goal. Building
// the plan mutates nothing; applying it does.
type plan struct {
	goal int

	// retire lists entries that must shut down now: duplicate losers and
	// live workers whose assignment cannot be salvaged.
	retire []string
	// respawn lists stale workers asked to reboot themselves.
	respawn []string
	// reassign hands unbound partitions to spare identities.
	reassign map[string]assignment
	// mint lists assignments with no identity left to serve them.
	mint []assignment
	// newlyDead lists workers that crossed the assume-dead threshold.
	newlyDead []string

	stateCounts map[string]int
}

// buildPlan classifies entries against goal. Pure: callers own all mutation.
func buildPlan(entries []*registry.Entry, goal int, now time.Time, cfg *Config) *plan {
	p := &plan{
		goal:        goal,
		reassign:    make(map[string]assignment),
		stateCounts: make(map[string]int),
	}

	// holders[p] lists every entry currently credited with partition p.
	holders := make(map[int][]*registry.Entry)
	var spares []*registry.Entry
	var masters []*registry.Entry

	for _, e := range entries {
		if e.GoalPartitionID == registry.GoalTerminated {
			continue
		}
		state := e.DeriveState(now, cfg.RequestRebootAfter, cfg.AssumeDeadAfter)
		p.stateCounts[string(state)]++

		if e.IsMaster {
			masters = append(masters, e)
			continue
		}

		age := e.HeartbeatAge(now)
		pending := e.LastHeartbeat.IsZero()

		wellAssigned := e.Assigned() &&
			e.GoalPartitionCount == goal &&
			e.GoalPartitionID < goal

		switch {
		case wellAssigned && (pending || age < cfg.ExpectRebootAfter):
			// Still credited with its partition. A pending entry is an
			// identity minted or assigned but not yet heard from; crediting
			// it prevents a mint storm while it deploys.
			holders[e.GoalPartitionID] = append(holders[e.GoalPartitionID], e)
			if !pending && age >= cfg.RequestRebootAfter {
				p.respawn = append(p.respawn, e.ID)
			}
		case !pending && age < cfg.RequestRebootAfter:
			// Alive but holding the wrong goal: a spare we can reuse.
			spares = append(spares, e)
		default:
			// Unreachable and not credited. Its partition re-enters the
			// unbound pool; the identity stays in the registry in case the
			// host comes back.
			if !pending && age >= cfg.AssumeDeadAfter && e.Assigned() {
				p.newlyDead = append(p.newlyDead, e.ID)
			}
		}
	}

	// Duplicate resolution: one winner per partition, most recent boot wins.
	// Losers are retired immediately so two children never serve the same
	// partition longer than one pass.
	for pid, claimants := range holders {
		if len(claimants) <= 1 {
			continue
		}
		winner := claimants[0]
		for _, e := range claimants[1:] {
			if betterHolder(e, winner) {
				p.retire = append(p.retire, winner.ID)
				winner = e
			} else {
				p.retire = append(p.retire, e.ID)
			}
		}
		holders[pid] = []*registry.Entry{winner}
	}

	// Unbound partitions get spares first, freshly minted identities last.
	sort.Slice(spares, func(i, j int) bool { return spares[i].ID < spares[j].ID })
	for pid := 0; pid < goal; pid++ {
		if len(holders[pid]) > 0 {
			continue
		}
		want := assignment{partitionID: pid, partitionCount: goal}
		if len(spares) > 0 {
			p.reassign[spares[0].ID] = want
			spares = spares[1:]
			continue
		}
		p.mint = append(p.mint, want)
	}

	// Leftover live spares with a real assignment are retired: their goal
	// count is from a previous epoch and nothing needs them.
	for _, e := range spares {
		if e.Assigned() {
			p.retire = append(p.retire, e.ID)
		}
	}

	// Master role: exactly one. Duplicates resolved like partition
	// duplicates; a missing master-role identity is minted.
	liveMasters := masters[:0]
	for _, e := range masters {
		if e.LastHeartbeat.IsZero() || e.HeartbeatAge(now) < cfg.AssumeDeadAfter {
			liveMasters = append(liveMasters, e)
		}
	}
	switch {
	case len(liveMasters) == 0:
		p.mint = append(p.mint, assignment{isMaster: true})
	case len(liveMasters) > 1:
		winner := liveMasters[0]
		for _, e := range liveMasters[1:] {
			if betterHolder(e, winner) {
				p.retire = append(p.retire, winner.ID)
				winner = e
			} else {
				p.retire = append(p.retire, e.ID)
			}
		}
	}

	sort.Strings(p.retire)
	sort.Strings(p.respawn)
	return p
}

// betterHolder prefers the entry that booted more recently, falling back to
// heartbeat recency. The younger child is the one an operator deployed last.
func betterHolder(a, b *registry.Entry) bool {
	if !a.BootTime.Equal(b.BootTime) {
		return a.BootTime.After(b.BootTime)
	}
	return a.LastHeartbeat.After(b.LastHeartbeat)
}

// Pass runs one reconcile pass: classify, then apply.
func (r *Reconciler) Pass(ctx context.Context) error {
	started := time.Now()
	defer func() {
		r.m.metrics.ReconcilePassesTotal.Inc()
		r.m.metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	goal, err := r.m.goals.Goal(ctx)
	if err != nil {
		return err
	}
	r.m.metrics.GoalPartitionCount.Set(float64(goal))

	now := r.m.now()
	p := buildPlan(r.m.store.All(), goal, now, r.m.Config())

	r.apply(ctx, p, now)
	r.m.metrics.UpdateWorkerStates(p.stateCounts)

	if err := r.m.store.Persist(ctx); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, p *plan, now time.Time) {
	// Retires first, and immediately: they end split-brain windows and must
	// not wait on the heartbeat cadence.
	for _, id := range p.retire {
		if e, ok := r.m.store.Get(id); ok {
			e.GoalPartitionID = registry.GoalRetired
			r.logger.Info("retiring worker", logging.WorkerID(id))
			r.m.dispatcher.sendUpdate(id)
		}
	}

	for _, id := range p.respawn {
		r.logger.Info("requesting reboot of stale worker", logging.WorkerID(id))
		r.m.dispatcher.sendRespawn(id, 0)
	}

	for id, a := range p.reassign {
		e, ok := r.m.store.Get(id)
		if !ok {
			continue
		}
		e.GoalPartitionID = a.partitionID
		e.GoalPartitionCount = a.partitionCount
		r.logger.Info("reassigning spare worker",
			logging.WorkerID(id),
			logging.PartitionID(a.partitionID),
			logging.PartitionCount(a.partitionCount))
		r.m.dispatcher.sendUpdate(id)
	}

	for _, a := range p.mint {
		if err := r.mint(a); err != nil {
			r.logger.Error("failed to mint worker identity", logging.Error(err))
		}
	}

	for _, id := range p.newlyDead {
		if r.notifiedDead[id] {
			continue
		}
		r.notifiedDead[id] = true
		e, ok := r.m.store.Get(id)
		if !ok {
			continue
		}
		r.logger.Warn("worker presumed dead",
			logging.WorkerID(id),
			logging.PartitionID(e.GoalPartitionID))
		r.m.notifier.WorkerPresumedDead(id, e.LastHeartbeat.UnixMilli())
	}
	// A heartbeat from a previously dead worker re-arms its notification.
	for id := range r.notifiedDead {
		if e, ok := r.m.store.Get(id); ok &&
			!e.LastHeartbeat.IsZero() &&
			now.Sub(e.LastHeartbeat) < r.m.Config().AssumeDeadAfter {
			delete(r.notifiedDead, id)
		}
	}
}

// mint generates a fresh identity for an unserved assignment: keypair,
// sealed artifact on disk, registry entry, operator notification. The
// registry entry is written only after the artifact is durably on disk so a
// crash mid-mint never leaves an identity nobody can deploy.
func (r *Reconciler) mint(a assignment) error {
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		return err
	}

	cfg := r.m.Config()
	id := identity.MintWorkerID()

	artifact := identity.NewArtifact(id, keys, r.m.keys.Public, cfg.WorkerHost)
	path := filepath.Join(cfg.ArtifactDir, id+".json")
	if err := artifact.WriteFile(path); err != nil {
		return err
	}

	entry := &registry.Entry{
		ID:                 id,
		PublicKey:          identity.EncodeKey(keys.Public),
		IsMaster:           a.isMaster,
		GoalPartitionID:    a.partitionID,
		GoalPartitionCount: a.partitionCount,
	}
	r.m.store.Put(entry)
	r.m.metrics.IdentitiesMinted.Inc()

	r.logger.Info("minted worker identity",
		logging.WorkerID(id),
		logging.PartitionID(a.partitionID),
		logging.PartitionCount(a.partitionCount),
		logging.String("artifact", path),
		logging.Any("is_master", a.isMaster))
	r.m.notifier.IdentityMinted(id, path)
	return nil
}
