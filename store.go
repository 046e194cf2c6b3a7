package tabsync

import (
	"context"
	"sort"
)

type WriteMode int

const (
	WriteSet WriteMode = iota
	WriteUpdate
	WritePush
)

// DisconnectHook is a registered server-side cleanup write that fires when
// this client's connection drops.
type DisconnectHook interface {
	Cancel(ctx context.Context) error
}

// Store is the remote realtime database as this core consumes it: a keyed
// tree addressed by slash-separated paths with point reads, writes and
// snapshot subscriptions. Subscribe delivers the current value promptly and
// again on every change; at most one subscription per path.
type Store interface {
	Get(ctx context.Context, path string) (any, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Push(ctx context.Context, path string, value any) (string, error)
	Delete(ctx context.Context, path string) error

	Subscribe(ctx context.Context, path string, fn func(any)) error
	Unsubscribe(ctx context.Context, path string) error

	OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) (DisconnectHook, error)

	// Connected streams the connection state, primed with the current
	// value.
	Connected(fn func(bool)) (cancel func())

	ServerTimestamp() any

	// Transaction is a read-modify-write primitive. Declared for
	// completeness; this core never calls it.
	Transaction(ctx context.Context, path string, fn func(any) (any, error)) error
}

// serverTimestampMarker is resolved to the server clock at write time.
const serverTimestampMarker = "$server_timestamp"

// Record is one element of a normalized keyed list. The record's store key
// is annotated under "uid".
type Record = map[string]any

// normalizeRelayed restores the normalized shape after a payload JSON round
// trips over the bus: a keyed list arrives as []any and is rebuilt as
// []Record so relayed callbacks see the same shape as live ones.
func normalizeRelayed(v any) any {
	list, ok := v.([]any)
	if !ok {
		return normalizeSnapshot(v)
	}
	out := make([]Record, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return v
		}
		out = append(out, Record(m))
	}
	return out
}

// normalizeSnapshot shapes a raw snapshot for consumers: a non-empty object
// whose values are all objects is a keyed list and becomes a slice of
// records annotated with their key as uid; anything else passes through.
func normalizeSnapshot(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return v
	}
	for _, child := range m {
		if _, ok := child.(map[string]any); !ok {
			return v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]Record, 0, len(keys))
	for _, k := range keys {
		child := m[k].(map[string]any)
		rec := make(Record, len(child)+1)
		for ck, cv := range child {
			rec[ck] = cv
		}
		rec["uid"] = k
		list = append(list, rec)
	}
	return list
}
