package reconciler

import (
	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/dataplane/router"
	"github.com/meshrelay/gateway/pkg/dataplane/upstream"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// ListenerState is the compiled, ready-to-dispatch view of one listener.
type ListenerState struct {
	Listener config.Listener
	Table    *router.Table
	Pools    map[id.ID]*upstream.Pool
}

// State is the data plane's currently-active forwarding configuration.
// It is held behind an atomic.Pointer by Reconciler: the reconciler is
// the sole writer, every request-handling goroutine is a reader that
// dereferences the pointer once per request and never mutates it.
type State struct {
	VersionID id.ID
	ByPort    map[int]*ListenerState
}

// Empty returns a State with no listeners, used before the first
// successful reconciliation.
func Empty() *State {
	return &State{ByPort: make(map[int]*ListenerState)}
}
