package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "mentionbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl  (mutations since the last snapshot)
//
// Reads are served from memory. Every mutation is planned against the
// current state, appended to the journal, and only then applied in memory,
// all under one lock. A failed journal write leaves memory untouched.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	mem *memStore

	auditFile    *os.File
	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 2000

type journalOp struct {
	Op      string          `json:"op"`
	Records []MentionRecord `json:"records,omitempty"`
	IDs     []int64         `json:"ids,omitempty"`
	Channel *Channel        `json:"channel,omitempty"`
	ChanID  string          `json:"chan,omitempty"`
	Target  string          `json:"target,omitempty"`
	User    *UserEntry      `json:"user,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newMemState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.Int("records", len(st.Records)), logx.Int("journal_ops", replayed))

	return &fileStore{
		log:          log,
		mem:          &memStore{st: st},
		auditFile:    af,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       replayed,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// mutate journals the op plan derives from the current state, then applies
// it. plan must not modify st; returning nil means nothing to do.
func (s *fileStore) mutate(plan func(st *memState) *journalOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.mem.mu.RLock()
	j := plan(s.mem.st)
	s.mem.mu.RUnlock()
	if j == nil {
		return nil
	}
	if err := s.appendLocked(j); err != nil {
		return err
	}
	s.mem.mu.Lock()
	applyOp(s.mem.st, j)
	s.mem.mu.Unlock()

	s.writes++
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) appendLocked(j *journalOp) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	fi, err := s.journal.Stat()
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		// cut a torn tail so the next op starts on its own line
		_ = s.journal.Truncate(fi.Size())
		return err
	}
	return nil
}

// applyOp replays one journal op onto st. It reports false for unknown ops.
func applyOp(st *memState, op *journalOp) bool {
	switch op.Op {
	case "create":
		st.restore(op.Records)
	case "delete":
		st.delete(op.IDs)
	case "channel":
		if op.Channel != nil {
			st.ensureChannel(*op.Channel)
		}
	case "sub":
		st.addSub(op.ChanID, op.Target)
	case "unsub":
		st.removeSub(op.ChanID, op.Target)
	case "user":
		if op.User != nil {
			st.rememberUser(*op.User)
		}
	default:
		return false
	}
	return true
}

func (s *fileStore) CreateMentions(ctx context.Context, recs []MentionRecord) ([]MentionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []MentionRecord
	err := s.mutate(func(st *memState) *journalOp {
		if len(recs) == 0 {
			return nil
		}
		out = st.assignIDs(recs)
		return &journalOp{Op: "create", Records: out}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) CountMentions(ctx context.Context, targetID string) (int, error) {
	return s.mem.CountMentions(ctx, targetID)
}

func (s *fileStore) FetchMentions(ctx context.Context, targetID string, limit int, order Order) ([]MentionRecord, error) {
	return s.mem.FetchMentions(ctx, targetID, limit, order)
}

func (s *fileStore) DeleteMentions(_ context.Context, ids []int64) (int, error) {
	var n int
	err := s.mutate(func(st *memState) *journalOp {
		if n = st.countIDs(ids); n == 0 {
			return nil
		}
		return &journalOp{Op: "delete", IDs: ids}
	})
	return n, err
}

func (s *fileStore) EnsureChannel(_ context.Context, ch Channel) (bool, error) {
	var created bool
	err := s.mutate(func(st *memState) *journalOp {
		if _, ok := st.Channels[ch.ID]; ok {
			return nil
		}
		created = true
		if ch.SeenAt.IsZero() {
			ch.SeenAt = time.Now()
		}
		return &journalOp{Op: "channel", Channel: &ch}
	})
	return created, err
}

func (s *fileStore) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	return s.mem.ChannelExists(ctx, channelID)
}

func (s *fileStore) Subscribers(ctx context.Context, channelID string) ([]string, error) {
	return s.mem.Subscribers(ctx, channelID)
}

func (s *fileStore) AddSubscriber(_ context.Context, channelID, targetID string) (bool, error) {
	var added bool
	err := s.mutate(func(st *memState) *journalOp {
		if slices.Contains(st.Subs[channelID], targetID) {
			return nil
		}
		added = true
		return &journalOp{Op: "sub", ChanID: channelID, Target: targetID}
	})
	return added, err
}

func (s *fileStore) RemoveSubscriber(_ context.Context, channelID, targetID string) (bool, error) {
	var removed bool
	err := s.mutate(func(st *memState) *journalOp {
		if !slices.Contains(st.Subs[channelID], targetID) {
			return nil
		}
		removed = true
		return &journalOp{Op: "unsub", ChanID: channelID, Target: targetID}
	})
	return removed, err
}

func (s *fileStore) SubscribedChannels(ctx context.Context, targetID string) ([]string, error) {
	return s.mem.SubscribedChannels(ctx, targetID)
}

func (s *fileStore) RememberUser(_ context.Context, u UserEntry) error {
	return s.mutate(func(st *memState) *journalOp {
		if u.SeenAt.IsZero() {
			u.SeenAt = time.Now()
		}
		return &journalOp{Op: "user", User: &u}
	})
}

func (s *fileStore) LookupUsername(ctx context.Context, username string) (UserEntry, error) {
	return s.mem.LookupUsername(ctx, username)
}

// Maintain folds the journal into a fresh snapshot.
func (s *fileStore) Maintain(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	b, err := json.Marshal(s.mem.st)
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, st *memState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return err
	}
	if st.Channels == nil {
		st.Channels = map[string]Channel{}
	}
	if st.Subs == nil {
		st.Subs = map[string][]string{}
	}
	if st.Users == nil {
		st.Users = map[string]UserEntry{}
	}
	if st.NextID < 1 {
		st.NextID = 1
	}
	return nil
}

func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn trailing line after a crash; everything before it is valid.
			continue
		}
		if applyOp(st, &op) {
			n++
		}
	}
	return n, sc.Err()
}
