package service

import "context"

// IService exposes the engine to clients until ctx is done.
type IService interface {
	Serve(ctx context.Context) error
}
