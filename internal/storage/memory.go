package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// memState is the full dataset of the in-process drivers. The file driver
// snapshots it as JSON.
type memState struct {
	NextID   int64                `json:"next_id"`
	Records  []MentionRecord      `json:"records"` // ascending by ID
	Channels map[string]Channel   `json:"channels"`
	Subs     map[string][]string  `json:"subs"` // channel -> targets, insertion order
	Users    map[string]UserEntry `json:"users"`
}

func newMemState() *memState {
	return &memState{
		NextID:   1,
		Channels: map[string]Channel{},
		Subs:     map[string][]string{},
		Users:    map[string]UserEntry{},
	}
}

// memStore keeps everything in memory. Safe for concurrent use.
type memStore struct {
	mu     sync.RWMutex
	st     *memState
	audit  []AuditEntry
	closed bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return &memStore{st: newMemState()} }

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) CreateMentions(ctx context.Context, recs []MentionRecord) ([]MentionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.insert(recs), nil
}

func (m *memStore) CountMentions(_ context.Context, targetID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.st.Records {
		if r.TargetID == targetID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) FetchMentions(_ context.Context, targetID string, limit int, order Order) ([]MentionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.fetch(targetID, limit, order), nil
}

func (m *memStore) DeleteMentions(_ context.Context, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.st.delete(ids), nil
}

func (m *memStore) EnsureChannel(_ context.Context, ch Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ensureChannel(ch), nil
}

func (m *memStore) ChannelExists(_ context.Context, channelID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.st.Channels[channelID]
	return ok, nil
}

func (m *memStore) Subscribers(_ context.Context, channelID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.st.Subs[channelID]), nil
}

func (m *memStore) AddSubscriber(_ context.Context, channelID, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.addSub(channelID, targetID), nil
}

func (m *memStore) RemoveSubscriber(_ context.Context, channelID, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.removeSub(channelID, targetID), nil
}

func (m *memStore) SubscribedChannels(_ context.Context, targetID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for ch, targets := range m.st.Subs {
		if slices.Contains(targets, targetID) {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *memStore) RememberUser(_ context.Context, u UserEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.rememberUser(u)
	return nil
}

func (m *memStore) LookupUsername(_ context.Context, username string) (UserEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.lookupUsername(username)
}

func (s *memState) insert(recs []MentionRecord) []MentionRecord {
	out := make([]MentionRecord, len(recs))
	for i, r := range recs {
		r.ID = s.NextID
		s.NextID++
		s.Records = append(s.Records, r)
		out[i] = r
	}
	return out
}

// assignIDs returns copies of recs numbered from NextID without storing them.
func (s *memState) assignIDs(recs []MentionRecord) []MentionRecord {
	out := make([]MentionRecord, len(recs))
	for i, r := range recs {
		r.ID = s.NextID + int64(i)
		out[i] = r
	}
	return out
}

// countIDs reports how many of ids are stored.
func (s *memState) countIDs(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	n := 0
	for _, r := range s.Records {
		if _, ok := want[r.ID]; ok {
			n++
		}
	}
	return n
}

// restore re-inserts records that already carry IDs (journal replay).
func (s *memState) restore(recs []MentionRecord) {
	for _, r := range recs {
		s.Records = append(s.Records, r)
		if r.ID >= s.NextID {
			s.NextID = r.ID + 1
		}
	}
}

func (s *memState) fetch(targetID string, limit int, order Order) []MentionRecord {
	out := make([]MentionRecord, 0)
	n := len(s.Records)
	for i := range n {
		idx := i
		if order == OrderDesc {
			idx = n - 1 - i
		}
		if r := s.Records[idx]; r.TargetID == targetID {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (s *memState) delete(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.Records[:0]
	n := 0
	for _, r := range s.Records {
		if _, ok := drop[r.ID]; ok {
			n++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.Records[len(kept):])
	s.Records = kept
	return n
}

func (s *memState) ensureChannel(ch Channel) bool {
	if _, ok := s.Channels[ch.ID]; ok {
		return false
	}
	if ch.SeenAt.IsZero() {
		ch.SeenAt = time.Now()
	}
	s.Channels[ch.ID] = ch
	return true
}

func (s *memState) addSub(channelID, targetID string) bool {
	if slices.Contains(s.Subs[channelID], targetID) {
		return false
	}
	s.Subs[channelID] = append(s.Subs[channelID], targetID)
	return true
}

func (s *memState) removeSub(channelID, targetID string) bool {
	cur := s.Subs[channelID]
	i := slices.Index(cur, targetID)
	if i < 0 {
		return false
	}
	s.Subs[channelID] = slices.Delete(slices.Clone(cur), i, i+1)
	return true
}

func (s *memState) rememberUser(u UserEntry) {
	if u.SeenAt.IsZero() {
		u.SeenAt = time.Now()
	}
	s.Users[u.ID] = u
}

func (s *memState) lookupUsername(username string) (UserEntry, error) {
	want := normUsername(username)
	if want == "" {
		return UserEntry{}, ErrNotFound
	}
	var best UserEntry
	found := false
	for _, u := range s.Users {
		if normUsername(u.Username) == want && (!found || u.SeenAt.After(best.SeenAt)) {
			best, found = u, true
		}
	}
	if !found {
		return UserEntry{}, ErrNotFound
	}
	return best, nil
}

func normUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
