// Package synccore implements the sync-interest/recovery-interest
// reconciliation protocol described in §4.4: it keeps a rootDigest
// current, answers peers' sync interests, and drives recovery when this
// replica falls behind an unrecognized digest.
package synccore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"chronoshare/internal/core"
	"chronoshare/internal/scheduler"
	"chronoshare/internal/synclog"
	"chronoshare/internal/transport"
)

const (
	// syncInterestTag/recoveryTag coalesce repeated scheduling under
	// §5's tag-based scheduler.
	syncInterestTag = "sync-interest"
	recoveryTagPrefix = "recovery:"

	// defaultWait and defaultRandomPercent are WAIT and RANDOM_PERCENT
	// from §4.4's recovery backoff formula.
	defaultWait          = 2 * time.Second
	defaultRandomPercent = 0.5
)

// GapHandler is invoked for every (device, [from, to]) sequence range
// this replica has learned it is missing, so the fetch layer can
// retrieve the corresponding action objects (§4.4's "hand it to
// ActionFetchManager").
type GapHandler func(device core.DeviceName, from, to core.Sequence)

// Core drives the sync protocol for one shared folder.
type Core struct {
	face       transport.Face
	syncLog    *synclog.Log
	scheduler  *scheduler.Scheduler
	clock      core.Clock
	idGen      core.IDGenerator
	rng        *rand.Rand
	logger     *slog.Logger
	syncPrefix string

	interestLifetime time.Duration
	onGap            GapHandler

	mu               sync.Mutex
	current          core.Hash
	pendingInterests []pendingSync
	recoveryTarget   core.Hash
}

type pendingSync struct {
	digest core.Hash
}

// Config carries the fixed parameters a Core needs at construction.
type Config struct {
	Face             transport.Face
	SyncLog          *synclog.Log
	Scheduler        *scheduler.Scheduler
	Clock            core.Clock
	IDGen            core.IDGenerator
	Logger           *slog.Logger
	SyncPrefix       string
	InterestLifetime time.Duration
	OnGap            GapHandler
}

// New builds a Core from cfg.
func New(cfg Config) (*Core, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifetime := cfg.InterestLifetime
	if lifetime <= 0 {
		lifetime = 4 * time.Second
	}

	digest, err := cfg.SyncLog.RootDigest()
	if err != nil {
		return nil, fmt.Errorf("synccore: reading initial root digest: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	idGen := cfg.IDGen
	if idGen == nil {
		idGen = core.UUIDGenerator{}
	}

	c := &Core{
		face:             cfg.Face,
		syncLog:          cfg.SyncLog,
		scheduler:        cfg.Scheduler,
		clock:            clock,
		idGen:            idGen,
		rng:              rand.New(rand.NewSource(clock.Now().UnixNano())),
		logger:           logger,
		syncPrefix:       cfg.SyncPrefix,
		interestLifetime: lifetime,
		onGap:            cfg.OnGap,
		current:          digest,
	}
	return c, nil
}

// Start registers the sync-prefix interest handler and expresses the
// first outgoing sync interest.
func (c *Core) Start(ctx context.Context) error {
	if _, err := c.face.RegisterPrefix(c.syncPrefix, c.handleIncomingInterest); err != nil {
		return fmt.Errorf("synccore: registering sync prefix: %w", err)
	}
	c.sendSyncInterest(ctx)
	return nil
}

// OnLocalStateChange implements §4.4's "on local state change":
// SyncLog has already advanced by the time this is called; Core
// answers any pending interest for the previous digest and expresses a
// fresh interest for the new one.
func (c *Core) OnLocalStateChange(ctx context.Context, oldDigest core.Hash) {
	newDigest, err := c.syncLog.RootDigest()
	if err != nil {
		c.logger.Error("recomputing root digest after local change", "error", err)
		return
	}

	c.mu.Lock()
	c.current = newDigest
	c.mu.Unlock()

	if state, found, err := c.syncLog.FindStateDiff(oldDigest); err == nil && found {
		if err := c.publishDelta(oldDigest, state); err != nil {
			c.logger.Warn("publishing sync delta", "error", err)
		}
	}

	c.scheduler.Schedule(scheduler.Task{
		Tag:   syncInterestTag,
		Delay: 0,
		Run:   func() { c.sendSyncInterest(ctx) },
	})
}

func (c *Core) sendSyncInterest(ctx context.Context) {
	c.mu.Lock()
	digest := c.current
	c.mu.Unlock()

	name := c.syncPrefix + "/" + digest.String()
	err := c.face.Express(ctx, transport.Interest{Name: name, Nonce: c.idGen.New(), Lifetime: c.interestLifetime},
		func(d transport.Data) { c.handleSyncData(ctx, d) },
		func(transport.Interest) { /* timeout means "no change yet" per §5 */ },
	)
	if err != nil {
		c.logger.Warn("expressing sync interest", "error", err)
	}
}

func (c *Core) handleIncomingInterest(forwardingHint string, i transport.Interest) (transport.Data, bool) {
	isRecovery := strings.Contains(i.Name, c.syncPrefix+"/recovery/")
	requested, err := parseDigestSuffix(c.syncPrefix, i.Name)
	if err != nil {
		return transport.Data{}, false
	}

	if isRecovery {
		return c.handleRecoveryInterest(requested)
	}

	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if requested == current {
		// Steady state: hold the interest until local state changes.
		return transport.Data{}, false
	}

	state, found, err := c.syncLog.FindStateDiff(requested)
	if err != nil {
		c.logger.Warn("resolving sync interest", "error", err)
		return transport.Data{}, false
	}
	if found {
		content, err := encodeState(state)
		if err != nil {
			return transport.Data{}, false
		}
		return transport.Data{Name: c.syncPrefix + "/" + requested.String(), Content: content}, true
	}

	c.scheduleRecovery(requested)
	return transport.Data{}, false
}

// handleRecoveryInterest answers a recovery interest for a digest this
// replica recognizes with its full current SyncState (§4.4).
func (c *Core) handleRecoveryInterest(requested core.Hash) (transport.Data, bool) {
	_, found, err := c.syncLog.FindStateDiff(requested)
	if err != nil || !found {
		return transport.Data{}, false
	}

	current, err := c.syncLog.CurrentState()
	if err != nil {
		c.logger.Warn("reading current state for recovery response", "error", err)
		return transport.Data{}, false
	}
	content, err := encodeState(current)
	if err != nil {
		return transport.Data{}, false
	}
	return transport.Data{Name: c.syncPrefix + "/recovery/" + requested.String(), Content: content}, true
}

// scheduleRecovery implements §4.4's randomized recovery wait: WAIT ×
// (1 + uniform[0, RANDOM_PERCENT)).
func (c *Core) scheduleRecovery(unknown core.Hash) {
	c.mu.Lock()
	c.recoveryTarget = unknown
	c.mu.Unlock()

	jitter := 1 + c.rng.Float64()*defaultRandomPercent
	delay := time.Duration(float64(defaultWait) * jitter)

	c.scheduler.Schedule(scheduler.Task{
		Tag:   recoveryTagPrefix + unknown.String(),
		Delay: delay,
		Run:   func() { c.fireRecovery(context.Background(), unknown) },
	})
}

func (c *Core) fireRecovery(ctx context.Context, unknown core.Hash) {
	c.mu.Lock()
	stillStuck := c.recoveryTarget == unknown
	c.mu.Unlock()
	if !stillStuck {
		return
	}

	name := c.syncPrefix + "/recovery/" + unknown.String()
	err := c.face.Express(ctx, transport.Interest{Name: name, Nonce: c.idGen.New(), Lifetime: c.interestLifetime},
		func(d transport.Data) { c.handleSyncData(ctx, d) },
		func(transport.Interest) {},
	)
	if err != nil {
		c.logger.Warn("expressing recovery interest", "error", err)
	}
}

func (c *Core) handleSyncData(ctx context.Context, d transport.Data) {
	state, err := decodeState(d.Content)
	if err != nil {
		c.logger.Warn("decoding sync data", "error", err, "name", d.Name)
		return
	}

	c.mu.Lock()
	c.recoveryTarget = core.Hash{}
	c.mu.Unlock()

	local, err := c.syncLog.CurrentState()
	if err != nil {
		c.logger.Error("reading local sync state", "error", err)
		return
	}
	localSeq := make(map[string]core.Sequence, len(local.Entries))
	for _, e := range local.Entries {
		localSeq[e.Device.String()] = e.Seq
	}

	// A device's first action is seq 0, so a missing entry in localSeq
	// cannot be told apart from "known up to seq 0" by comparing against
	// the map's zero value; comma-ok distinguishes "never seen" (report
	// the whole run, from 0) from "seen up to known" (report from
	// known+1).
	for _, entry := range state.Entries {
		known, seen := localSeq[entry.Device.String()]
		if !seen {
			if c.onGap != nil {
				c.onGap(entry.Device, 0, entry.Seq)
			}
			continue
		}
		if entry.Seq > known {
			if c.onGap != nil {
				c.onGap(entry.Device, known+1, entry.Seq)
			}
		}
	}

	c.sendSyncInterest(ctx)
}

func (c *Core) publishDelta(oldDigest core.Hash, state synclog.State) error {
	content, err := encodeState(state)
	if err != nil {
		return err
	}
	return c.face.Put(transport.Data{Name: c.syncPrefix + "/" + oldDigest.String(), Content: content})
}
