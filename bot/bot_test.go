package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/events"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/models"
)

const serverPayload = `{
	"id": "100",
	"name": "test server",
	"owner_id": "7",
	"member_count": 2,
	"roles": [{"id": "100", "name": "@everyone"}, {"id": "101", "name": "mods", "position": 1}],
	"channels": [{"id": "200", "type": 0, "name": "general"}],
	"members": [
		{"user": {"id": "7", "username": "owner"}, "roles": ["101"]},
		{"user": {"id": "8", "username": "helper", "bot": true}}
	],
	"emojis": [{"id": "300", "name": "blob"}]
}`

const readyPayload = `{
	"v": 6,
	"session_id": "abc",
	"user": {"id": "1", "username": "self", "discriminator": "0001", "bot": true},
	"guilds": [` + serverPayload + `, {"id": "101", "unavailable": true}],
	"private_channels": [{"id": "500", "type": 1, "recipients": [{"id": "9", "username": "friend"}]}]
}`

// recorder counts triggered event types
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handler(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

func (r *recorder) first(t events.Type) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type() == t {
			return ev
		}
	}
	return nil
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"code": 10003, "message": "Unknown"}`))
}

func newTestBot(t *testing.T, extra string) (*Bot, router, *recorder) {
	t.Helper()
	return newTestBotWithREST(t, extra, notFound)
}

func newTestBotWithREST(t *testing.T, extra string, rest http.HandlerFunc) (*Bot, router, *recorder) {
	t.Helper()

	api := httptest.NewServer(rest)
	t.Cleanup(api.Close)

	cfg, err := config.ParseConfig([]byte("bot:\n  token: \"raw:secret\"\n" + extra + "rest:\n  base_url: " + api.URL + "\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	b, err := New(log.Disabled, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Disconnect(false) })

	rec := &recorder{}
	for typ := events.Ready; typ <= events.Unhandled; typ++ {
		if _, err := b.AddEvent(typ, "", nil, rec.handler); err != nil {
			t.Fatalf("AddEvent(%s): %v", typ, err)
		}
	}
	return b, router{b}, rec
}

func dispatch(b *Bot, r router, name, payload string) {
	r.Dispatch(name, json.RawMessage(payload))
	b.Dispatcher().Wait()
}

// TestReadyWaitsForUnavailableServers tests ready accounting across GUILD_CREATE
func TestReadyWaitsForUnavailableServers(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	if rec.count(events.Ready) != 0 {
		t.Fatal("ready fired while a server is unavailable")
	}
	if b.ClientID() != 1 || b.Profile().Username() != "self" {
		t.Errorf("profile = %d %q", b.ClientID(), b.Profile().Username())
	}
	if b.Presence().Status != models.StatusOnline {
		t.Errorf("presence = %q", b.Presence().Status)
	}
	if ch, _ := b.Cache().DMChannel(context.Background(), 9, true); ch == nil || ch.ID() != 500 {
		t.Errorf("dm channel = %v", ch)
	}

	dispatch(b, r, "GUILD_CREATE", `{"id": "101", "name": "late", "unavailable": false}`)

	if rec.count(events.Ready) != 1 {
		t.Errorf("ready events = %d, want 1", rec.count(events.Ready))
	}
	if rec.count(events.CreateServer) != 0 {
		t.Error("late server must not raise create_server")
	}
	if got := len(b.Servers()); got != 2 {
		t.Errorf("servers = %d, want 2", got)
	}

	dispatch(b, r, "GUILD_CREATE", `{"id": "102", "name": "joined"}`)
	if rec.count(events.CreateServer) != 1 {
		t.Errorf("create_server events = %d, want 1", rec.count(events.CreateServer))
	}
}

// TestReadyTimeout tests proceeding once the ready timeout passes
func TestReadyTimeout(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "  ready_timeout: 1ms\n")
	dispatch(b, r, "READY", readyPayload)

	time.Sleep(10 * time.Millisecond)
	r.Heartbeat()
	b.Dispatcher().Wait()

	if rec.count(events.Ready) != 1 {
		t.Errorf("ready events = %d, want 1", rec.count(events.Ready))
	}
	if rec.count(events.Heartbeat) != 1 {
		t.Errorf("heartbeat events = %d, want 1", rec.count(events.Heartbeat))
	}
}

// TestMessageRouting tests message events and author filtering
func TestMessageRouting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		extra   string
		author  string
		channel string
		want    []events.Type
	}{
		{"server message", "", `{"id": "7", "username": "owner"}`, "200", []events.Type{events.CreateMessage, events.ChannelMessage}},
		{"private message", "", `{"id": "9", "username": "friend"}`, "500", []events.Type{events.CreateMessage, events.PrivateMessage}},
		{"own message", "", `{"id": "1", "username": "self"}`, "200", nil},
		{"bot allowed", "", `{"id": "8", "username": "helper", "bot": true}`, "200", []events.Type{events.CreateMessage, events.ChannelMessage}},
		{"bot ignored", "  ignore_bots: true\n", `{"id": "8", "username": "helper", "bot": true}`, "200", nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, r, rec := newTestBot(t, tt.extra)
			dispatch(b, r, "READY", readyPayload)
			dispatch(b, r, "MESSAGE_CREATE", `{"id": "900", "channel_id": "`+tt.channel+`", "content": "hi", "author": `+tt.author+`}`)

			all := []events.Type{events.CreateMessage, events.ChannelMessage, events.PrivateMessage}
			for _, typ := range all {
				want := 0
				for _, w := range tt.want {
					if w == typ {
						want = 1
					}
				}
				if got := rec.count(typ); got != want {
					t.Errorf("%s events = %d, want %d", typ, got, want)
				}
			}

			want := 0
			if len(tt.want) > 0 {
				want = 1
			}
			if got := b.Cache().Messages(mustID(tt.channel)).Len(); got != want {
				t.Errorf("cached messages = %d, want %d", got, want)
			}
		})
	}
}

func mustID(s string) models.ID {
	id, err := models.ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// TestMessageEditAndDelete tests edits and bulk delete fan-out
func TestMessageEditAndDelete(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	for _, id := range []string{"900", "901", "902"} {
		dispatch(b, r, "MESSAGE_CREATE", `{"id": "`+id+`", "channel_id": "200", "content": "v1", "author": {"id": "7"}}`)
	}

	dispatch(b, r, "MESSAGE_UPDATE", `{"id": "900", "channel_id": "200", "embeds": []}`)
	if rec.count(events.EditMessage) != 0 {
		t.Error("author-less update must be skipped")
	}

	dispatch(b, r, "MESSAGE_UPDATE", `{"id": "900", "channel_id": "200", "content": "v2", "author": {"id": "7"}}`)
	ev, ok := rec.first(events.EditMessage).(*events.MessageEvent)
	if !ok || ev.Content() != "v2" || ev.Server == nil || ev.Server.ID() != 100 {
		t.Errorf("edit event = %+v", ev)
	}

	dispatch(b, r, "MESSAGE_DELETE_BULK", `{"ids": ["900", "901", "902"], "channel_id": "200"}`)
	if got := rec.count(events.DeleteMessage); got != 3 {
		t.Errorf("delete events = %d, want 3", got)
	}
	if got := b.Cache().Messages(200).Len(); got != 0 {
		t.Errorf("cached messages = %d, want 0", got)
	}
}

// TestDeleteMessagesKeepsUnsentMessages tests that only messages the API deleted leave the cache
func TestDeleteMessagesKeepsUnsentMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		wantDeleted int
		wantErr     bool
		freshCached bool
	}{
		{"accepted", http.StatusNoContent, 1, false, false},
		{"rejected", http.StatusForbidden, 0, true, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, r, _ := newTestBotWithREST(t, "", func(w http.ResponseWriter, req *http.Request) {
				if req.Method != http.MethodDelete {
					notFound(w, req)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				if tt.status != http.StatusNoContent {
					_, _ = w.Write([]byte(`{"code": 50013, "message": "Missing Permissions"}`))
				}
			})
			dispatch(b, r, "READY", readyPayload)

			now := time.Now()
			old := models.SynthesizeID(now.Add(-30 * 24 * time.Hour))
			fresh := models.SynthesizeID(now.Add(-time.Hour))

			messages := b.Cache().Messages(200)
			for _, id := range []models.ID{old, fresh} {
				raw := `{"id": "` + id.String() + `", "channel_id": "200", "content": "x", "author": {"id": "7"}}`
				if _, err := messages.PutMessage(json.RawMessage(raw), false); err != nil {
					t.Fatalf("PutMessage: %v", err)
				}
			}

			n, err := b.DeleteMessages(context.Background(), 200, []models.ID{old, fresh})
			if (err != nil) != tt.wantErr {
				t.Fatalf("DeleteMessages error = %v", err)
			}
			if n != tt.wantDeleted {
				t.Errorf("deleted = %d, want %d", n, tt.wantDeleted)
			}

			if m, _ := messages.Message(context.Background(), old, true); m == nil {
				t.Error("message too old for bulk delete was evicted")
			}
			if m, _ := messages.Message(context.Background(), fresh, true); (m != nil) != tt.freshCached {
				t.Errorf("fresh message cached = %v, want %v", m != nil, tt.freshCached)
			}
		})
	}
}

// TestReactionToggle tests that add and remove also raise toggle
func TestReactionToggle(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	reaction := `{"user_id": "7", "channel_id": "200", "message_id": "900", "guild_id": "100", "emoji": {"id": null, "name": "+1"}}`
	dispatch(b, r, "MESSAGE_REACTION_ADD", reaction)
	dispatch(b, r, "MESSAGE_REACTION_REMOVE", reaction)
	dispatch(b, r, "MESSAGE_REACTION_ADD", `{"user_id": "1", "channel_id": "200", "message_id": "900", "emoji": {"name": "+1"}}`)

	if rec.count(events.AddReaction) != 1 || rec.count(events.RemoveReaction) != 1 || rec.count(events.ToggleReaction) != 2 {
		t.Errorf("add=%d remove=%d toggle=%d", rec.count(events.AddReaction),
			rec.count(events.RemoveReaction), rec.count(events.ToggleReaction))
	}

	ev, ok := rec.first(events.AddReaction).(*events.ReactionEvent)
	if !ok {
		t.Fatal("no reaction event")
	}
	if _, member := ev.User.(*models.Member); !member || ev.Emoji.Name != "+1" || ev.MessageID != 900 {
		t.Errorf("reaction event = %+v", ev)
	}
}

// TestPresenceRouting tests the playing and presence split
func TestPresenceRouting(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	playing := `{"guild_id": "100", "user": {"id": "7"}, "status": "online", "game": {"name": "chess"}}`
	dispatch(b, r, "PRESENCE_UPDATE", playing)
	dispatch(b, r, "PRESENCE_UPDATE", `{"guild_id": "100", "user": {"id": "7"}, "status": "idle", "game": {"name": "chess"}}`)
	dispatch(b, r, "PRESENCE_UPDATE", `{"user": {"id": "7"}, "status": "dnd"}`)

	if rec.count(events.UpdatePlaying) != 1 || rec.count(events.UpdatePresence) != 1 {
		t.Errorf("playing=%d presence=%d", rec.count(events.UpdatePlaying), rec.count(events.UpdatePresence))
	}
	ev := rec.first(events.UpdatePresence).(*events.PresenceEvent)
	if ev.Status != models.StatusIdle || ev.Member == nil || ev.Member.ID() != 7 {
		t.Errorf("presence event = %+v", ev)
	}
}

// TestServerRouting tests member, role and emoji updates against the server tier
func TestServerRouting(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	dispatch(b, r, "GUILD_MEMBER_ADD", `{"guild_id": "100", "user": {"id": "10", "username": "new"}, "roles": []}`)
	dispatch(b, r, "GUILD_ROLE_CREATE", `{"guild_id": "100", "role": {"id": "102", "name": "fresh"}}`)
	dispatch(b, r, "GUILD_ROLE_DELETE", `{"guild_id": "100", "role_id": "101"}`)
	dispatch(b, r, "GUILD_EMOJIS_UPDATE", `{"guild_id": "100", "emojis": [{"id": "301", "name": "new"}]}`)

	sc := b.Cache().ServerCache(100)
	if m, _ := sc.Member(context.Background(), 10, true); m == nil || m.Username() != "new" {
		t.Errorf("member = %v", m)
	}
	if sc.Server().MemberCount() != 3 {
		t.Errorf("member count = %d, want 3", sc.Server().MemberCount())
	}
	if b.Role(100, 102) == nil || b.Role(100, 101) != nil {
		t.Error("role tier not updated")
	}

	ev := rec.first(events.UpdateEmoji).(*events.EmojiEvent)
	if len(ev.Added) != 1 || ev.Added[0].ID != 301 || len(ev.Removed) != 1 || ev.Removed[0].ID != 300 {
		t.Errorf("emoji event = %+v", ev)
	}

	dispatch(b, r, "GUILD_DELETE", `{"id": "100"}`)
	if rec.count(events.DeleteServer) != 1 {
		t.Error("delete_server not raised")
	}
	if ch, _ := b.Cache().Channel(context.Background(), 200, true); ch != nil {
		t.Error("server channels should be dropped with the server")
	}
}

// TestUnknownDispatch tests unrouted names and raw handlers
func TestUnknownDispatch(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")

	var mu sync.Mutex
	var seen []string
	b.AddRawHandler(func(name string, _ int64, _ json.RawMessage) {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
	})

	dispatch(b, r, "MESSAGE_ACK", `{}`)
	dispatch(b, r, "SOMETHING_NEW", `{"x": 1}`)

	ev, ok := rec.first(events.Unhandled).(*events.UnhandledEvent)
	if !ok || ev.Name != "SOMETHING_NEW" || rec.count(events.Unhandled) != 1 {
		t.Errorf("unhandled = %+v", ev)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(seen)
	if len(seen) != 2 || seen[0] != "MESSAGE_ACK" || seen[1] != "SOMETHING_NEW" {
		t.Errorf("raw handlers saw %v", seen)
	}
}

// TestDispatchFailureRaisesException tests that a failing route becomes an exception event
func TestDispatchFailureRaisesException(t *testing.T) {
	t.Parallel()

	b, r, rec := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)

	// server 999 is unknown locally and the api answers 404
	dispatch(b, r, "GUILD_MEMBER_ADD", `{"guild_id": "999", "user": {"id": "10"}}`)
	dispatch(b, r, "GUILD_MEMBER_ADD", `not json`)

	if got := rec.count(events.Exception); got != 2 {
		t.Fatalf("exceptions = %d, want 2", got)
	}
	ev := rec.first(events.Exception).(*events.ExceptionEvent)
	if ev.Source != events.SourceDispatch || ev.Err == nil {
		t.Errorf("exception = %+v", ev)
	}
	if rec.count(events.CreateMember) != 0 {
		t.Error("failed route must not raise its event")
	}
}

// TestParseMention tests mention resolution across servers
func TestParseMention(t *testing.T) {
	t.Parallel()

	b, r, _ := newTestBot(t, "")
	dispatch(b, r, "READY", readyPayload)
	ctx := context.Background()

	if v, err := b.ParseMention(ctx, "<@7>", 100); err != nil || v.(*models.Member).ID() != 7 {
		t.Errorf("member mention = %v, %v", v, err)
	}
	if v, err := b.ParseMention(ctx, "<@!9>", 0); err != nil || v.(*models.User).ID() != 9 {
		t.Errorf("user mention = %v, %v", v, err)
	}
	if v, _ := b.ParseMention(ctx, "<@&101>", 0); v == nil || v.(*models.Role).Name() != "mods" {
		t.Errorf("role mention = %v", v)
	}
	if v, _ := b.ParseMention(ctx, "<:blob:300>", 0); v == nil || v.(models.Emoji).Name != "blob" {
		t.Errorf("emoji mention = %v", v)
	}
	if v, _ := b.ParseMention(ctx, "<#200>", 0); v == nil || v.(*models.Channel).Name() != "general" {
		t.Errorf("channel mention = %v", v)
	}
	if v, _ := b.ParseMention(ctx, "plain text", 0); v != nil {
		t.Errorf("plain text = %v", v)
	}
}

// TestParseStatus tests status aliases
func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := map[string]models.Status{
		"online": models.StatusOnline,
		"away":   models.StatusIdle,
		"Busy":   models.StatusDND,
		"hidden": models.StatusInvisible,
	}
	for in, want := range tests {
		if got, ok := ParseStatus(in); !ok || got != want {
			t.Errorf("ParseStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseStatus("sleeping"); ok {
		t.Error("unknown status accepted")
	}

	b, _, _ := newTestBot(t, "")
	if err := b.ChangeStatus(models.StatusIdle, nil); err == nil {
		t.Error("ChangeStatus without a connection should fail")
	}
}
