package synccore

import (
	"encoding/json"
	"fmt"
	"strings"

	"chronoshare/internal/core"
	"chronoshare/internal/synclog"
)

type wireEntry struct {
	Device string `json:"device"`
	Seq    uint64 `json:"seq"`
	Status int    `json:"status"`
}

// encodeState/decodeState serialize a SyncState delta as the body of a
// sync-data object. JSON keeps this readable in logs and tests; the
// wire size is bounded by the number of devices in the shared folder,
// never large enough to need a binary framing.
func encodeState(state synclog.State) ([]byte, error) {
	entries := make([]wireEntry, 0, len(state.Entries))
	for _, e := range state.Entries {
		entries = append(entries, wireEntry{Device: e.Device.String(), Seq: uint64(e.Seq), Status: int(e.Status)})
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encoding sync state: %w", err)
	}
	return blob, nil
}

func decodeState(blob []byte) (synclog.State, error) {
	var entries []wireEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return synclog.State{}, fmt.Errorf("%w: decoding sync state: %v", core.ErrProtocol, err)
	}
	var state synclog.State
	for _, e := range entries {
		state.Entries = append(state.Entries, synclog.StateEntry{
			Device: core.NewDeviceName(e.Device),
			Seq:    core.Sequence(e.Seq),
			Status: synclog.DeviceStatus(e.Status),
		})
	}
	return state, nil
}

// parseDigestSuffix extracts the trailing digest component from an
// incoming interest name under prefix, handling both
// <prefix>/<digest> and <prefix>/recovery/<digest>.
func parseDigestSuffix(prefix, name string) (core.Hash, error) {
	rest := strings.TrimPrefix(name, prefix+"/")
	if rest == name {
		return core.Hash{}, fmt.Errorf("%w: interest %q not under sync prefix %q", core.ErrProtocol, name, prefix)
	}
	rest = strings.TrimPrefix(rest, "recovery/")
	return core.HashFromHex(rest)
}
