package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "mentionbot/pkg/logx"
)

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mention(target string, i int) MentionRecord {
	return MentionRecord{
		TargetID:  target,
		SenderID:  "s1",
		Nickname:  "Sender",
		GuildID:   "-100",
		GuildName: "Group",
		ChannelID: "-100",
		Content:   "hello",
		Time:      time.UnixMilli(int64(1_700_000_000_000 + i)),
	}
}

func ids(recs []MentionRecord) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "bogus"}, logx.Nop())
	require.Error(t, err)
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		got, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 0), mention("u2", 1), mention("u1", 2)})
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Less(t, got[0].ID, got[1].ID)
		require.Less(t, got[1].ID, got[2].ID)
		require.Equal(t, "u2", got[1].TargetID)

		n, err := st.CountMentions(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

func TestFetchOrderAndLimit(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		var in []MentionRecord
		for i := range 7 {
			in = append(in, mention("u1", i))
		}
		_, err := st.CreateMentions(ctx, in)
		require.NoError(t, err)

		asc, err := st.FetchMentions(ctx, "u1", 0, OrderAsc)
		require.NoError(t, err)
		require.Len(t, asc, 7)
		for i := 1; i < len(asc); i++ {
			require.Less(t, asc[i-1].ID, asc[i].ID)
		}
		require.Equal(t, in[0].Time.UnixMilli(), asc[0].Time.UnixMilli())
		require.Equal(t, "Group", asc[0].GuildName)

		desc, err := st.FetchMentions(ctx, "u1", 3, OrderDesc)
		require.NoError(t, err)
		require.Equal(t, []int64{asc[6].ID, asc[5].ID, asc[4].ID}, ids(desc))

		none, err := st.FetchMentions(ctx, "nobody", 10, OrderAsc)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestDeleteExactlyGivenIDs(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 0), mention("u1", 1)})
		require.NoError(t, err)

		fetched, err := st.FetchMentions(ctx, "u1", 0, OrderAsc)
		require.NoError(t, err)

		// Captured after the fetch snapshot; must survive the purge.
		late, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 2)})
		require.NoError(t, err)

		n, err := st.DeleteMentions(ctx, ids(fetched))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		left, err := st.FetchMentions(ctx, "u1", 0, OrderAsc)
		require.NoError(t, err)
		require.Equal(t, ids(late), ids(left))

		n, err = st.DeleteMentions(ctx, ids(fetched))
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestSubscriptionsIdempotent(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		created, err := st.EnsureChannel(ctx, Channel{ID: "c1", Title: "Chat"})
		require.NoError(t, err)
		require.True(t, created)
		created, err = st.EnsureChannel(ctx, Channel{ID: "c1"})
		require.NoError(t, err)
		require.False(t, created)

		ok, err := st.ChannelExists(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.ChannelExists(ctx, "c2")
		require.NoError(t, err)
		require.False(t, ok)

		added, err := st.AddSubscriber(ctx, "c1", "u1")
		require.NoError(t, err)
		require.True(t, added)
		added, err = st.AddSubscriber(ctx, "c1", "u1")
		require.NoError(t, err)
		require.False(t, added)

		subs, err := st.Subscribers(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, []string{"u1"}, subs)

		removed, err := st.RemoveSubscriber(ctx, "c1", "u2")
		require.NoError(t, err)
		require.False(t, removed)
		removed, err = st.RemoveSubscriber(ctx, "c1", "u1")
		require.NoError(t, err)
		require.True(t, removed)

		subs, err = st.Subscribers(ctx, "c1")
		require.NoError(t, err)
		require.Empty(t, subs)
	})
}

func TestSubscribedChannels(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, c := range []string{"c2", "c1", "c3"} {
			_, err := st.AddSubscriber(ctx, c, "u1")
			require.NoError(t, err)
		}
		_, err := st.AddSubscriber(ctx, "c3", "u2")
		require.NoError(t, err)

		chans, err := st.SubscribedChannels(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, []string{"c1", "c2", "c3"}, chans)
	})
}

func TestUserDirectory(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.RememberUser(ctx, UserEntry{ID: "7", Username: "Alice", DisplayName: "Alice A"}))

		u, err := st.LookupUsername(ctx, "@alice")
		require.NoError(t, err)
		require.Equal(t, "7", u.ID)
		require.Equal(t, "Alice A", u.DisplayName)

		require.NoError(t, st.RememberUser(ctx, UserEntry{ID: "7", Username: "alice2", DisplayName: "Alice A"}))
		_, err = st.LookupUsername(ctx, "alice")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAuditAppend(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
			ActorID: 1, ChatID: -100, Plugin: "mention", Action: "subscribe", Target: "u1",
		}))
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	recs, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 0), mention("u1", 1), mention("u1", 2)})
	require.NoError(t, err)
	_, err = st.DeleteMentions(ctx, []int64{recs[1].ID})
	require.NoError(t, err)
	_, err = st.AddSubscriber(ctx, "c1", "u1")
	require.NoError(t, err)

	// Compact half way so reopen exercises snapshot plus journal.
	require.NoError(t, st.(Maintainer).Maintain(ctx))
	_, err = st.EnsureChannel(ctx, Channel{ID: "c1", Title: "Chat"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	left, err := st.FetchMentions(ctx, "u1", 0, OrderAsc)
	require.NoError(t, err)
	require.Equal(t, []int64{recs[0].ID, recs[2].ID}, ids(left))

	subs, err := st.Subscribers(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, subs)

	ok, err := st.ChannelExists(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)

	// IDs keep increasing after reopen.
	next, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 3)})
	require.NoError(t, err)
	require.Greater(t, next[0].ID, recs[2].ID)
}

func TestFileStoreFailedJournalWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "bot.db")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	first, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 0)})
	require.NoError(t, err)

	// A read-only handle makes every journal write fail.
	writable := fs.journal
	ro, err := os.Open(filepath.Join(dir, "bot.journal.jsonl"))
	require.NoError(t, err)
	fs.journal = ro

	_, err = st.CreateMentions(ctx, []MentionRecord{mention("u1", 1)})
	require.Error(t, err)
	_, err = st.AddSubscriber(ctx, "c1", "u1")
	require.Error(t, err)
	_, err = st.DeleteMentions(ctx, ids(first))
	require.Error(t, err)

	n, err := st.CountMentions(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	subs, err := st.Subscribers(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, subs)

	fs.journal = writable
	require.NoError(t, ro.Close())
	next, err := st.CreateMentions(ctx, []MentionRecord{mention("u1", 2)})
	require.NoError(t, err)
	require.Equal(t, first[0].ID+1, next[0].ID)
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	left, err := st.FetchMentions(ctx, "u1", 0, OrderAsc)
	require.NoError(t, err)
	require.Equal(t, []int64{first[0].ID, next[0].ID}, ids(left))
}

func TestSQLiteMaintain(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "m.sqlite")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	m, ok := st.(Maintainer)
	require.True(t, ok)
	require.NoError(t, m.Maintain(context.Background()))
}
