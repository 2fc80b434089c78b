package eventbus

import "testing"

func TestPrefixFiltering(t *testing.T) {
	b := New()
	mentions, unsub := b.Subscribe(4, "mention")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: MentionCaptured, Data: 1})
	b.Publish(Event{Type: PluginStarted})
	b.Publish(Event{Type: "mentionx"})

	if got := len(mentions); got != 1 {
		t.Fatalf("mention subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 3 {
		t.Fatalf("catch-all subscriber got %d events, want 3", got)
	}
	if e := <-mentions; e.Type != MentionCaptured || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	for range 10 {
		b.Publish(Event{Type: MentionPurged})
	}
	if len(ch) != 1 {
		t.Fatalf("len = %d", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: MentionPurged})
}
