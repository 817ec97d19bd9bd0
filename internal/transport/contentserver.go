package transport

import (
	"strings"
)

// ActionSource resolves an action interest by its NDN name.
type ActionSource interface {
	LookupActionBlob(name string) ([]byte, bool)
}

// SegmentSource resolves a file-segment interest by hash/device/segment.
type SegmentSource interface {
	LookupSegmentBlob(hash string, device string, segment string) ([]byte, bool)
}

// ContentServer answers action and file-segment interests directly out
// of local storage, without going through the sync/fetch machinery —
// the counterpart to the original content-server, which dispatches on
// whether the topology-independent suffix begins with "action" or
// "file".
type ContentServer struct {
	actions  ActionSource
	segments SegmentSource
}

// NewContentServer builds a ContentServer over actions and segments.
func NewContentServer(actions ActionSource, segments SegmentSource) *ContentServer {
	return &ContentServer{actions: actions, segments: segments}
}

// Handler returns the InterestHandler to register under a device or
// forwarding-hint prefix.
func (s *ContentServer) Handler() InterestHandler {
	return func(forwardingHint string, i Interest) (Data, bool) {
		return s.serve(i.Name)
	}
}

func (s *ContentServer) serve(name string) (Data, bool) {
	parts := strings.SplitN(name, "/", -1)
	for idx, p := range parts {
		switch p {
		case "action":
			blob, ok := s.actions.LookupActionBlob(name)
			if !ok {
				return Data{}, false
			}
			return Data{Name: name, Content: blob}, true
		case "file":
			if idx+2 >= len(parts) || idx < 1 {
				return Data{}, false
			}
			hash := parts[idx+1]
			segment := parts[len(parts)-1]
			// name is "<device>/<app>/file/<hash>/<segment>"; the app
			// name is always a single component, so it's the one
			// component immediately preceding "file".
			device := strings.Join(parts[:idx-1], "/")
			blob, ok := s.segments.LookupSegmentBlob(hash, device, segment)
			if !ok {
				return Data{}, false
			}
			return Data{Name: name, Content: blob}, true
		}
	}
	return Data{}, false
}
