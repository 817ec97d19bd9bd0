package synccore

import (
	"context"
	"sync"
	"testing"

	"chronoshare/internal/core"
	"chronoshare/internal/scheduler"
	"chronoshare/internal/synclog"
	"chronoshare/internal/testutil"
	"chronoshare/internal/transport"
)

// fakeFace is a synchronous, fully scriptable transport.Face: Put and
// Express are recorded directly instead of routed through a Network,
// so tests can assert on Core's outbound traffic without goroutines or
// real interest lifetimes.
type fakeFace struct {
	mu        sync.Mutex
	expressed []transport.Interest
	puts      []transport.Data
}

func (f *fakeFace) Express(ctx context.Context, i transport.Interest, onData transport.DataCallback, onTimeout transport.TimeoutCallback) error {
	f.mu.Lock()
	f.expressed = append(f.expressed, i)
	f.mu.Unlock()
	return nil
}

func (f *fakeFace) Put(d transport.Data) error {
	f.mu.Lock()
	f.puts = append(f.puts, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeFace) RegisterPrefix(string, transport.InterestHandler) (transport.RegisteredPrefixID, error) {
	return 0, nil
}

func (f *fakeFace) Unregister(transport.RegisteredPrefixID) error { return nil }

func (f *fakeFace) lastExpressed() (transport.Interest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.expressed) == 0 {
		return transport.Interest{}, false
	}
	return f.expressed[len(f.expressed)-1], true
}

func newTestCore(t *testing.T, face *fakeFace, onGap GapHandler) (*Core, *synclog.Log) {
	t.Helper()
	sl := synclog.New(testutil.NewTestSyncLogDB(t))
	c, err := New(Config{
		Face:       face,
		SyncLog:    sl,
		Scheduler:  scheduler.New(testutil.FixedClock(), nil),
		Clock:      testutil.FixedClock(),
		IDGen:      testutil.NewStubIDGenerator(),
		SyncPrefix: "/chronoshare/sync",
		OnGap:      onGap,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sl
}

func TestNew_InitialDigestMatchesEmptySyncState(t *testing.T) {
	face := &fakeFace{}
	c, sl := newTestCore(t, face, nil)

	st, err := sl.CurrentState()
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if c.current != st.Digest() {
		t.Errorf("initial digest %s does not match empty state digest %s", c.current.String(), st.Digest().String())
	}
}

func TestHandleIncomingInterest_HoldsWhenDigestMatchesCurrent(t *testing.T) {
	face := &fakeFace{}
	c, _ := newTestCore(t, face, nil)

	name := c.syncPrefix + "/" + c.current.String()
	_, satisfied := c.handleIncomingInterest("", transport.Interest{Name: name})
	if satisfied {
		t.Error("expected the interest to be held (not satisfied) when requesting our own current digest")
	}
}

// seedKnownDigest advances sl once and folds the result into c.current
// via OnLocalStateChange, so the returned digest is one FindStateDiff
// can recognize (it was logged as a past state_log row). A brand new
// Core's initial digest never gets this treatment: it is the digest of
// an empty SyncState that UpdateDeviceSeq has not yet had a chance to
// log, so FindStateDiff never finds it — every test that needs a
// "known old digest" has to manufacture one this way first.
func seedKnownDigest(t *testing.T, c *Core, sl *synclog.Log) core.Hash {
	t.Helper()
	seed := core.NewDeviceName("/device/seed")
	if _, err := sl.UpdateDeviceSeq(seed, 1, synclog.StatusUpdate); err != nil {
		t.Fatalf("seeding sync state: %v", err)
	}
	c.OnLocalStateChange(context.Background(), c.current)
	return c.current
}

func TestHandleIncomingInterest_AnswersWithStateForAKnownPastDigest(t *testing.T) {
	face := &fakeFace{}
	c, sl := newTestCore(t, face, nil)
	oldDigest := seedKnownDigest(t, c, sl)

	remote := core.NewDeviceName("/device/remote")
	if _, err := sl.UpdateDeviceSeq(remote, 5, synclog.StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}
	c.OnLocalStateChange(context.Background(), oldDigest)

	name := c.syncPrefix + "/" + oldDigest.String()
	data, satisfied := c.handleIncomingInterest("", transport.Interest{Name: name})
	if !satisfied {
		t.Fatal("expected a known old digest to be answered immediately")
	}

	state, err := decodeState(data.Content)
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	if len(state.Entries) != 2 {
		t.Fatalf("expected both the seed and remote entries in the response, got %+v", state.Entries)
	}
	var sawRemote bool
	for _, e := range state.Entries {
		if e.Device == remote {
			sawRemote = true
			if e.Seq != 5 {
				t.Errorf("remote entry: got seq %d want 5", e.Seq)
			}
		}
	}
	if !sawRemote {
		t.Errorf("expected a remote entry in the response, got %+v", state.Entries)
	}
}

func TestHandleIncomingInterest_SchedulesRecoveryForUnrecognizedDigest(t *testing.T) {
	face := &fakeFace{}
	c, sl := newTestCore(t, face, nil)

	remote := core.NewDeviceName("/device/remote")
	if _, err := sl.UpdateDeviceSeq(remote, 1, synclog.StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}
	c.mu.Lock()
	c.current, _ = sl.RootDigest()
	c.mu.Unlock()

	unknown, err := core.HashFromHex("00112233445566778899aabbccddeeff00112233445566778899aabbccddee")
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	name := c.syncPrefix + "/" + unknown.String()
	_, satisfied := c.handleIncomingInterest("", transport.Interest{Name: name})
	if satisfied {
		t.Error("expected an unrecognized digest to go unanswered pending recovery")
	}

	c.mu.Lock()
	target := c.recoveryTarget
	c.mu.Unlock()
	if target != unknown {
		t.Errorf("expected recoveryTarget to be set to the unrecognized digest, got %s", target.String())
	}
}

func TestOnLocalStateChange_PublishesDeltaForAPendingOldDigest(t *testing.T) {
	face := &fakeFace{}
	c, sl := newTestCore(t, face, nil)
	oldDigest := seedKnownDigest(t, c, sl)

	remote := core.NewDeviceName("/device/remote")
	if _, err := sl.UpdateDeviceSeq(remote, 3, synclog.StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}

	c.OnLocalStateChange(context.Background(), oldDigest)

	face.mu.Lock()
	defer face.mu.Unlock()
	if len(face.puts) != 1 {
		t.Fatalf("expected one Put publishing the delta, got %d", len(face.puts))
	}
	if face.puts[0].Name != c.syncPrefix+"/"+oldDigest.String() {
		t.Errorf("published delta under unexpected name %q", face.puts[0].Name)
	}
}

func TestHandleSyncData_ReportsGapsForSeqsAheadOfLocal(t *testing.T) {
	var gaps [][3]any
	onGap := func(device core.DeviceName, from, to core.Sequence) {
		gaps = append(gaps, [3]any{device, from, to})
	}
	face := &fakeFace{}
	c, sl := newTestCore(t, face, onGap)

	local := core.NewDeviceName("/device/local")
	if _, err := sl.UpdateDeviceSeq(local, 2, synclog.StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}

	remote := core.NewDeviceName("/device/remote")
	incoming, err := encodeState(synclog.State{Entries: []synclog.StateEntry{
		{Device: local, Seq: 2},
		{Device: remote, Seq: 4},
	}})
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}

	c.handleSyncData(context.Background(), transport.Data{Name: c.syncPrefix + "/whatever", Content: incoming})

	if len(gaps) != 1 {
		t.Fatalf("expected exactly one gap (for remote, never seen locally), got %+v", gaps)
	}
	gotDevice := gaps[0][0].(core.DeviceName)
	gotFrom := gaps[0][1].(core.Sequence)
	gotTo := gaps[0][2].(core.Sequence)
	if gotDevice != remote || gotFrom != 0 || gotTo != 4 {
		t.Errorf("unexpected gap: device=%s from=%d to=%d", gotDevice.String(), gotFrom, gotTo)
	}

	// handleSyncData always re-expresses a sync interest afterward.
	if _, ok := face.lastExpressed(); !ok {
		t.Error("expected handleSyncData to express a follow-up sync interest")
	}
}
