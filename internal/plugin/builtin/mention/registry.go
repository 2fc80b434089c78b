package mention

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"mentionbot/internal/storage"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrForbidden       = errors.New("forbidden")
)

type Result int

const (
	ResultAdded Result = iota + 1
	ResultExists
	ResultRemoved
	ResultNotSubscribed
)

func (r Result) String() string {
	switch r {
	case ResultAdded:
		return "added"
	case ResultExists:
		return "exists"
	case ResultRemoved:
		return "removed"
	case ResultNotSubscribed:
		return "not_subscribed"
	default:
		return "unknown"
	}
}

// Registry is the only writer of subscription sets. Concurrent changes to
// the same channel are last-write-wins.
type Registry struct {
	store storage.ChannelStore
}

func NewRegistry(store storage.ChannelStore) *Registry { return &Registry{store: store} }

func (r *Registry) requireChannel(ctx context.Context, channelID string) error {
	ok, err := r.store.ChannelExists(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return nil
}

func (r *Registry) Subscribe(ctx context.Context, channelID, targetID string) (Result, error) {
	if err := r.requireChannel(ctx, channelID); err != nil {
		return 0, err
	}
	added, err := r.store.AddSubscriber(ctx, channelID, targetID)
	if err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	if !added {
		return ResultExists, nil
	}
	return ResultAdded, nil
}

func (r *Registry) Unsubscribe(ctx context.Context, channelID, targetID string) (Result, error) {
	if err := r.requireChannel(ctx, channelID); err != nil {
		return 0, err
	}
	removed, err := r.store.RemoveSubscriber(ctx, channelID, targetID)
	if err != nil {
		return 0, fmt.Errorf("unsubscribe: %w", err)
	}
	if !removed {
		return ResultNotSubscribed, nil
	}
	return ResultRemoved, nil
}

func (r *Registry) IsSubscribed(ctx context.Context, channelID, targetID string) (bool, error) {
	subs, err := r.store.Subscribers(ctx, channelID)
	if err != nil {
		return false, err
	}
	return slices.Contains(subs, targetID), nil
}

// Subscribers is the snapshot a capture works from.
func (r *Registry) Subscribers(ctx context.Context, channelID string) ([]string, error) {
	return r.store.Subscribers(ctx, channelID)
}

// Channels lists every channel targetID is subscribed in.
func (r *Registry) Channels(ctx context.Context, targetID string) ([]string, error) {
	return r.store.SubscribedChannels(ctx, targetID)
}
