package app

import (
	"context"
	"errors"
	"log/slog"

	"chronoshare/internal/actionlog"
	"chronoshare/internal/core"
	"chronoshare/internal/fetcher"
	"chronoshare/internal/objectstore"
	"chronoshare/internal/synccore"
	"chronoshare/internal/synclog"
)

// fetchWinningContent returns the actionlog.Config.OnUpdate handler
// that pulls a newly-won remote file's segments once its FileState row
// lands (§4.1 step 5's "peers fetch it on interest," driven from the
// receiving side instead of on demand at read time).
func fetchWinningContent(fm *fetcher.Manager, objects *objectstore.Store, logger *slog.Logger, appName string, local core.DeviceName) func(filename string, entry core.FileStateEntry) {
	return func(filename string, entry core.FileStateEntry) {
		if entry.Device == local {
			return
		}
		if entry.FileSegNum == 0 {
			return
		}

		complete, err := objects.DoesComplete(entry.Device, entry.FileHash)
		if err != nil {
			logger.Warn("checking local segment completeness", "filename", filename, "error", err)
		} else if complete {
			return
		}

		base := objectstore.SegmentBaseName(entry.Device, appName, entry.FileHash)
		fm.Submit(context.Background(), fetcher.Config{
			BaseName: base,
			MinSeq:   0,
			MaxSeq:   entry.FileSegNum - 1,
			Logger:   logger,
			OnSegment: func(seq uint64, content []byte) {
				if err := objects.PutRemoteSegment(entry.FileHash, entry.Device, seq, content); err != nil {
					logger.Warn("storing fetched segment", "filename", filename, "segment", seq, "error", err)
				}
			},
			OnFailed: func(err error) {
				logger.Warn("fetching remote file content", "filename", filename, "device", entry.Device.String(), "error", err)
			},
		})
	}
}

// fetchGap returns the synccore.Config.OnGap handler that retrieves a
// contiguous range of a peer's actions once SyncCore learns this
// replica is missing them (§4.4's "hand it to ActionFetchManager"),
// applies each to the ActionLog, and folds the result back into this
// replica's own SyncLog/SyncCore state exactly as a local change would.
//
// sc is a pointer to the enclosing App's *synccore.Core because OnGap
// must be supplied to synccore.New before that Core exists; New assigns
// it as soon as synccore.New returns, and a gap only fires after Start.
// A nil *sc is tolerated: the sync state still advances, it is just not
// republished.
func fetchGap(fm *fetcher.Manager, al *actionlog.Log, sl *synclog.Log, sc **synccore.Core, logger *slog.Logger, appName, sharedFolder string) synccore.GapHandler {
	return func(device core.DeviceName, from, to core.Sequence) {
		actionBase := actionlog.ActionBaseName(appName, device, sharedFolder)

		fm.Submit(context.Background(), fetcher.Config{
			BaseName: actionBase,
			MinSeq:   uint64(from),
			MaxSeq:   uint64(to),
			Logger:   logger,
			OnSegment: func(seq uint64, content []byte) {
				action, err := actionlog.DecodeRemoteAction(actionBase, device, core.Sequence(seq), content)
				if err != nil {
					logger.Warn("decoding fetched action", "device", device.String(), "seq", seq, "error", err)
					return
				}

				if err := al.AddRemoteAction(action); err != nil && !errors.Is(err, core.ErrDuplicateAction) {
					logger.Warn("applying remote action", "device", device.String(), "seq", seq, "error", err)
					return
				}

				oldDigest, err := sl.RootDigest()
				if err != nil {
					logger.Warn("reading root digest before advancing sync state", "error", err)
					return
				}

				status := synclog.StatusUpdate
				if action.Kind == core.ActionDelete {
					status = synclog.StatusDelete
				}
				if _, err := sl.UpdateDeviceSeq(device, action.Seq, status); err != nil {
					logger.Warn("advancing sync state", "device", device.String(), "seq", seq, "error", err)
					return
				}

				if c := *sc; c != nil {
					c.OnLocalStateChange(context.Background(), oldDigest)
				}
			},
			OnFailed: func(err error) {
				logger.Warn("fetching remote actions", "device", device.String(), "from", from, "to", to, "error", err)
			},
		})
	}
}
