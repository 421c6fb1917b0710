package provider

import "context"

// IProvider keeps the registry in sync with an external flag source.
type IProvider interface {
	// Initialize performs the first sync.
	Initialize(ctx context.Context) error
	// Watch resyncs on every change of the source until ctx is done.
	Watch(ctx context.Context) error
}
