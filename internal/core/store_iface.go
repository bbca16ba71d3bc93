package core

import "context"

// WatchFunc receives the snapshot of a watched path. It runs on the
// subscription's own delivery goroutine.
type WatchFunc func(Snapshot)

// Subscription is the handle returned by Watch. Unwatch is idempotent.
type Subscription interface {
	Unwatch()
}

// SignalStore is the shared, subscribable key-value store used for
// presence, signaling and chat. Values are JSON-encodable.
//
// Watch delivers the current snapshot immediately, then every change to the
// path or any of its descendants, in the order this client observed them.
// Nothing is guaranteed about ordering across different paths.
type SignalStore interface {
	Write(ctx context.Context, path string, value any) error
	// Push appends value under path with a store-assigned key. Keys sort
	// lexically in insertion order.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (Snapshot, error)
	Watch(ctx context.Context, path string, fn WatchFunc) (Subscription, error)

	// OnDisconnect registers a write the store itself performs once the
	// connection that registered it drops, even if the client crashed.
	OnDisconnect(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error
}

// ReconnectNotifier is implemented by stores whose transport can drop and
// come back. Disconnect hooks have already fired by the time fn runs.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (cancel func())
}
