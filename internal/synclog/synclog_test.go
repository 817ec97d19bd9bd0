package synclog

import (
	"testing"

	"chronoshare/internal/core"
	"chronoshare/internal/testutil"
)

func TestDigest_OrderIndependent(t *testing.T) {
	a := State{Entries: []StateEntry{
		{Device: core.NewDeviceName("/device/b"), Seq: 2},
		{Device: core.NewDeviceName("/device/a"), Seq: 1},
	}}
	b := State{Entries: []StateEntry{
		{Device: core.NewDeviceName("/device/a"), Seq: 1},
		{Device: core.NewDeviceName("/device/b"), Seq: 2},
	}}
	if a.Digest() != b.Digest() {
		t.Error("expected Digest to be independent of entry order")
	}
}

func TestDigest_ChangesWithSeq(t *testing.T) {
	a := State{Entries: []StateEntry{{Device: core.NewDeviceName("/device/a"), Seq: 1}}}
	b := State{Entries: []StateEntry{{Device: core.NewDeviceName("/device/a"), Seq: 2}}}
	if a.Digest() == b.Digest() {
		t.Error("expected different sequences to produce different digests")
	}
}

func TestDigest_EmptyStateIsDeterministic(t *testing.T) {
	if (State{}).Digest() != (State{}).Digest() {
		t.Error("expected the empty state's digest to be stable")
	}
}

func TestUpdateDeviceSeq_UpdatesCurrentStateAndDigest(t *testing.T) {
	db := testutil.NewTestSyncLogDB(t)
	log := New(db)

	initial, err := log.RootDigest()
	if err != nil {
		t.Fatalf("RootDigest: %v", err)
	}

	digest1, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 1, StatusUpdate)
	if err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}
	if digest1 == initial {
		t.Error("expected the digest to change after the first update")
	}

	st, err := log.CurrentState()
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if len(st.Entries) != 1 || st.Entries[0].Seq != 1 {
		t.Errorf("unexpected state after first update: %+v", st.Entries)
	}

	digest2, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 2, StatusUpdate)
	if err != nil {
		t.Fatalf("second UpdateDeviceSeq: %v", err)
	}
	if digest2 == digest1 {
		t.Error("expected the digest to change after advancing the sequence")
	}

	current, err := log.RootDigest()
	if err != nil {
		t.Fatalf("RootDigest: %v", err)
	}
	if current != digest2 {
		t.Errorf("RootDigest = %s, want %s", current.String(), digest2.String())
	}
}

func TestFindStateDiff_UnknownDigestReturnsCurrentState(t *testing.T) {
	db := testutil.NewTestSyncLogDB(t)
	log := New(db)

	if _, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 1, StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}

	st, found, err := log.FindStateDiff(testutil.Hash([]byte("never seen")))
	if err != nil {
		t.Fatalf("FindStateDiff: %v", err)
	}
	if found {
		t.Error("expected an unrecognized digest to report found=false")
	}
	if len(st.Entries) != 1 {
		t.Errorf("expected the full current state to be returned, got %+v", st.Entries)
	}
}

func TestFindStateDiff_ZeroDigestReturnsCurrentState(t *testing.T) {
	db := testutil.NewTestSyncLogDB(t)
	log := New(db)

	if _, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 1, StatusUpdate); err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}

	st, found, err := log.FindStateDiff(core.Hash{})
	if err != nil {
		t.Fatalf("FindStateDiff: %v", err)
	}
	if found {
		t.Error("expected the zero digest to report found=false")
	}
	if len(st.Entries) != 1 {
		t.Errorf("expected the current state for a zero digest, got %+v", st.Entries)
	}
}

func TestFindStateDiff_KnownDigestReturnsCurrentState(t *testing.T) {
	db := testutil.NewTestSyncLogDB(t)
	log := New(db)

	digest1, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 1, StatusUpdate)
	if err != nil {
		t.Fatalf("UpdateDeviceSeq: %v", err)
	}
	digest2, err := log.UpdateDeviceSeq(core.NewDeviceName("/device/a"), 2, StatusUpdate)
	if err != nil {
		t.Fatalf("second UpdateDeviceSeq: %v", err)
	}

	st, found, err := log.FindStateDiff(digest1)
	if err != nil {
		t.Fatalf("FindStateDiff: %v", err)
	}
	if !found {
		t.Error("expected the previously-recorded digest to be found")
	}
	if st.Digest() != digest2 {
		t.Errorf("expected FindStateDiff to return the current state, got digest %s want %s", st.Digest().String(), digest2.String())
	}
}
