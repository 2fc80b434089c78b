package mention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	kit "mentionbot/internal/transport"
)

// ErrNoDirectory is returned by lookups when the transport cannot resolve
// chat members.
var ErrNoDirectory = errors.New("member directory not available")

type memberKey struct{ guild, user int64 }

type cachedMember struct {
	m   kit.Member
	exp time.Time
}

type cachedTitle struct {
	title string
	exp   time.Time
}

// Resolver turns target ids into display names: chat nickname, else
// username, else the raw id. Successful lookups are cached for ttl.
type Resolver struct {
	dir kit.Directory
	now func() time.Time

	mu      sync.Mutex
	ttl     time.Duration
	members map[memberKey]cachedMember
	titles  map[int64]cachedTitle
}

func NewResolver(dir kit.Directory, ttl time.Duration) *Resolver {
	return &Resolver{
		dir:     dir,
		now:     time.Now,
		ttl:     ttl,
		members: map[memberKey]cachedMember{},
		titles:  map[int64]cachedTitle{},
	}
}

func (r *Resolver) SetTTL(ttl time.Duration) {
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
}

func displayName(m kit.Member, id string) string {
	switch {
	case m.Nickname != "":
		return m.Nickname
	case m.Username != "":
		return m.Username
	default:
		return id
	}
}

func (r *Resolver) member(ctx context.Context, guildID, targetID string) (kit.Member, error) {
	if r.dir == nil {
		return kit.Member{}, ErrNoDirectory
	}
	gid, err := strconv.ParseInt(guildID, 10, 64)
	if err != nil {
		return kit.Member{}, fmt.Errorf("guild id %q: %w", guildID, err)
	}
	uid, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return kit.Member{}, fmt.Errorf("target id %q: %w", targetID, err)
	}
	key := memberKey{gid, uid}

	r.mu.Lock()
	c, ok := r.members[key]
	r.mu.Unlock()
	if ok && r.now().Before(c.exp) {
		return c.m, nil
	}

	m, err := r.dir.Member(ctx, gid, uid)
	if err != nil {
		return kit.Member{}, err
	}
	r.mu.Lock()
	if r.ttl > 0 {
		r.members[key] = cachedMember{m: m, exp: r.now().Add(r.ttl)}
	}
	r.mu.Unlock()
	return m, nil
}

// Lookup is the strict variant used for message provenance: a failed
// remote lookup is returned to the caller.
func (r *Resolver) Lookup(ctx context.Context, guildID, targetID string) (string, error) {
	m, err := r.member(ctx, guildID, targetID)
	if err != nil {
		return "", err
	}
	return displayName(m, targetID), nil
}

// Resolve never fails: on lookup error it returns hint, or targetID when
// hint is empty.
func (r *Resolver) Resolve(ctx context.Context, guildID, targetID, hint string) string {
	if targetID != "" {
		if name, err := r.Lookup(ctx, guildID, targetID); err == nil {
			return name
		}
	}
	if hint != "" {
		return hint
	}
	return targetID
}

// GuildName returns the chat title.
func (r *Resolver) GuildName(ctx context.Context, guildID string) (string, error) {
	if r.dir == nil {
		return "", ErrNoDirectory
	}
	gid, err := strconv.ParseInt(guildID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("guild id %q: %w", guildID, err)
	}
	r.mu.Lock()
	c, ok := r.titles[gid]
	r.mu.Unlock()
	if ok && r.now().Before(c.exp) {
		return c.title, nil
	}
	title, err := r.dir.ChatTitle(ctx, gid)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if r.ttl > 0 {
		r.titles[gid] = cachedTitle{title: title, exp: r.now().Add(r.ttl)}
	}
	r.mu.Unlock()
	return title, nil
}

// Prune drops expired cache entries and reports how many were removed.
func (r *Resolver) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, c := range r.members {
		if !now.Before(c.exp) {
			delete(r.members, k)
			n++
		}
	}
	for k, c := range r.titles {
		if !now.Before(c.exp) {
			delete(r.titles, k)
			n++
		}
	}
	return n
}
