package core

import "context"

// ChatProvider is the generation oracle: role-tagged messages in,
// generated message out. Calls may block on network I/O and must be
// safe to retry with identical input.
type ChatProvider interface {
	Chat(ctx context.Context, history []Message) (Message, error)
}

// ModelLister is implemented by providers whose API can enumerate the
// models it serves.
type ModelLister interface {
	Models(ctx context.Context) ([]Model, error)
}
