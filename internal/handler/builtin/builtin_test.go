package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
)

// monday 2024-01-01 is a Monday
var monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func newRegistry(t *testing.T, deps Deps) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, Register(reg, deps))
	return reg
}

func chatEvent(platform, channel, user, text string) *event.Envelope {
	ev := event.New("chat.message", platform, map[string]interface{}{
		"channel": channel, "user": user, "text": text,
	})
	return ev
}

func apply(t *testing.T, reg *handler.Registry, name string, cfg handler.Config, ev *event.Envelope) handler.Verdict {
	t.Helper()
	f, err := reg.NewFilter(name, cfg)
	require.NoError(t, err)
	v, err := f.Apply(context.Background(), ev)
	require.NoError(t, err)
	return v
}

func TestRegister_AllBuiltins(t *testing.T) {
	reg := newRegistry(t, Deps{})

	var names []string
	for _, d := range reg.Descriptors("") {
		assert.True(t, d.Builtin, d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{
		"platform_filter", "channel_filter", "event_type_filter", "user_level_filter",
		"user_role_filter", "message_pattern_filter", "message_length_filter", "time_window_filter",
		"cooldown_filter", "expression_filter",
		"log_action", "set_data", "nats_publish", "plugin_call", "delay",
	}, names)

	assert.ErrorIs(t, Register(reg, Deps{}), errs.ErrDuplicateHandler)
}

func TestFilters(t *testing.T) {
	reg := newRegistry(t, Deps{Now: func() time.Time { return monday.Add(22 * time.Hour) }})
	chat := chatEvent("twitch", "#kittyn", "viewer1", "!hello there")
	mod := chatEvent("twitch", "kittyn", "mod1", "hi")
	mod.Metadata["level"] = "moderator"
	mod.Metadata["roles"] = "moderator, vip"
	sub := chatEvent("discord", "general", "sub1", "hi")
	sub.Payload["roles"] = []interface{}{"Subscriber", "artist"}
	follow := event.New("twitch.eventsub.channel.follow", "twitch", map[string]interface{}{"user": "newbie"})

	cases := []struct {
		name   string
		filter string
		cfg    handler.Config
		ev     *event.Envelope
		want   handler.Verdict
	}{
		{"platform listed", "platform_filter", handler.Config{"platforms": []interface{}{"discord", "Twitch"}}, chat, handler.Pass},
		{"platform not listed", "platform_filter", handler.Config{"platforms": []interface{}{"discord"}}, chat, handler.Fail},
		{"platform empty list", "platform_filter", handler.Config{}, chat, handler.Pass},

		{"channel hash insensitive", "channel_filter", handler.Config{"channels": []interface{}{"kittyn"}}, chat, handler.Pass},
		{"channel other", "channel_filter", handler.Config{"channels": []interface{}{"#other"}}, chat, handler.Fail},
		{"channel missing", "channel_filter", handler.Config{"channels": []interface{}{"kittyn"}}, follow, handler.Fail},

		{"event type exact", "event_type_filter", handler.Config{"event_types": []interface{}{"chat.message"}}, chat, handler.Pass},
		{"event type segment glob", "event_type_filter", handler.Config{"event_types": []interface{}{"twitch.eventsub.*.follow"}}, follow, handler.Pass},
		{"event type star is one segment", "event_type_filter", handler.Config{"event_types": []interface{}{"twitch.*"}}, follow, handler.Fail},
		{"event type suffix wildcard", "event_type_filter", handler.Config{"event_types": []interface{}{"twitch.>"}}, follow, handler.Pass},

		{"level default viewer passes viewer", "user_level_filter", handler.Config{}, chat, handler.Pass},
		{"level min vip rejects viewer", "user_level_filter", handler.Config{"min_level": "vip"}, chat, handler.Fail},
		{"level min vip passes moderator", "user_level_filter", handler.Config{"min_level": "vip"}, mod, handler.Pass},
		{"level allowed list", "user_level_filter", handler.Config{"min_level": "viewer", "allowed_levels": []interface{}{"Moderator"}}, mod, handler.Pass},
		{"level allowed list rejects", "user_level_filter", handler.Config{"allowed_levels": []interface{}{"broadcaster"}}, mod, handler.Fail},

		{"roles empty list passes", "user_role_filter", handler.Config{"required_roles": []interface{}{}}, chat, handler.Pass},
		{"roles any from metadata", "user_role_filter", handler.Config{"required_roles": []interface{}{"vip", "broadcaster"}}, mod, handler.Pass},
		{"roles all from metadata", "user_role_filter", handler.Config{"required_roles": []interface{}{"vip", "moderator"}, "match_any": false}, mod, handler.Pass},
		{"roles all missing one", "user_role_filter", handler.Config{"required_roles": []interface{}{"vip", "broadcaster"}, "match_any": false}, mod, handler.Fail},
		{"roles from payload list", "user_role_filter", handler.Config{"required_roles": []interface{}{"subscriber"}}, sub, handler.Pass},
		{"roles none held", "user_role_filter", handler.Config{"required_roles": []interface{}{"vip"}}, chat, handler.Fail},

		{"pattern any", "message_pattern_filter", handler.Config{"patterns": []interface{}{"^!bye", "^!hello"}}, chat, handler.Pass},
		{"pattern all", "message_pattern_filter", handler.Config{"patterns": []interface{}{"^!hello", "nope"}, "match_any": false}, chat, handler.Fail},
		{"pattern case insensitive", "message_pattern_filter", handler.Config{"patterns": []interface{}{"HELLO"}, "case_insensitive": true}, chat, handler.Pass},
		{"pattern case sensitive", "message_pattern_filter", handler.Config{"patterns": []interface{}{"HELLO"}}, chat, handler.Fail},
		{"pattern no text", "message_pattern_filter", handler.Config{"patterns": []interface{}{".*"}}, follow, handler.Fail},

		{"length within", "message_length_filter", handler.Config{"min_length": 2, "max_length": 20}, chat, handler.Pass},
		{"length too short", "message_length_filter", handler.Config{"min_length": 3}, mod, handler.Fail},
		{"length counts runes", "message_length_filter", handler.Config{"max_length": 2}, chatEvent("x", "c", "u", "ねこ"), handler.Pass},

		{"window inside", "time_window_filter", handler.Config{"start_hour": 20, "end_hour": 23}, chat, handler.Pass},
		{"window outside", "time_window_filter", handler.Config{"start_hour": 8, "end_hour": 17}, chat, handler.Fail},
		{"window wraps midnight", "time_window_filter", handler.Config{"start_hour": 21, "end_hour": 3}, chat, handler.Pass},
		{"window weekday monday", "time_window_filter", handler.Config{"days_of_week": []interface{}{0}}, chat, handler.Pass},
		{"window weekday sunday only", "time_window_filter", handler.Config{"days_of_week": []interface{}{6}}, chat, handler.Fail},
		{"window timezone shifts day", "time_window_filter", handler.Config{"timezone": "Asia/Tokyo", "days_of_week": []interface{}{1}, "start_hour": 7, "end_hour": 7}, chat, handler.Pass},

		{"expression true", "expression_filter", handler.Config{"expression": "event.platform == 'twitch' AND payload.text contains 'hello'"}, chat, handler.Pass},
		{"expression false", "expression_filter", handler.Config{"expression": "event.category == 'raid'"}, chat, handler.Fail},
		{"expression unresolved fails", "expression_filter", handler.Config{"expression": "payload.amount > 5"}, chat, handler.Fail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apply(t, reg, tc.filter, tc.cfg, tc.ev))
		})
	}
}

func TestFilters_RejectBadConfig(t *testing.T) {
	reg := newRegistry(t, Deps{})
	cases := []struct {
		filter string
		cfg    handler.Config
	}{
		{"channel_filter", handler.Config{}},
		{"message_pattern_filter", handler.Config{"patterns": []interface{}{"("}}},
		{"message_length_filter", handler.Config{"min_length": 10, "max_length": 5}},
		{"time_window_filter", handler.Config{"timezone": "Mars/Olympus"}},
		{"time_window_filter", handler.Config{"start_hour": 25}},
		{"event_type_filter", handler.Config{"event_types": []interface{}{"[a"}}},
		{"expression_filter", handler.Config{"expression": "a =="}},
		{"user_level_filter", handler.Config{"min_level": "emperor"}},
		{"user_role_filter", handler.Config{}},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			_, err := reg.NewFilter(tc.filter, tc.cfg)
			assert.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}

func TestCooldownFilter_Memory(t *testing.T) {
	now := monday
	clock := func() time.Time { return now }
	reg := newRegistry(t, Deps{Now: clock})
	f, err := reg.NewFilter("cooldown_filter", handler.Config{"cooldown_seconds": 30})
	require.NoError(t, err)
	ctx := context.Background()

	check := func(user string) handler.Verdict {
		v, err := f.Apply(ctx, chatEvent("twitch", "c", user, "hi"))
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, handler.Pass, check("alice"))
	assert.Equal(t, handler.Fail, check("alice"))
	assert.Equal(t, handler.Pass, check("bob"), "per user by default")

	now = now.Add(31 * time.Second)
	assert.Equal(t, handler.Pass, check("alice"))

	v, err := f.Apply(ctx, event.New("system.tick", "internal", nil))
	require.NoError(t, err)
	assert.Equal(t, handler.Pass, v, "events without a user are not limited")
}

func TestCooldownFilter_ScopedInstancesAreIndependent(t *testing.T) {
	reg := newRegistry(t, Deps{})
	cfg := handler.Config{"cooldown_seconds": 30}
	ctx := context.Background()
	ev := chatEvent("twitch", "c", "alice", "hi")

	var fs []handler.Filter
	for _, scope := range []string{"greet/0", "points/0"} {
		f, err := reg.NewFilter("cooldown_filter", cfg)
		require.NoError(t, err)
		scoped, ok := f.(handler.Scoped)
		require.True(t, ok)
		scoped.SetScope(scope)
		fs = append(fs, f)
	}
	for _, f := range fs {
		v, err := f.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, handler.Pass, v)
	}

	// the same scope after a reload keeps its window
	again, err := reg.NewFilter("cooldown_filter", cfg)
	require.NoError(t, err)
	again.(handler.Scoped).SetScope("greet/0")
	v, err := again.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, handler.Fail, v)
}

func TestMemoryCooldowns_Prunes(t *testing.T) {
	now := monday
	m := NewMemoryCooldowns(func() time.Time { return now })
	ctx := context.Background()
	for i := 0; i < pruneThreshold; i++ {
		ok, err := m.Acquire(ctx, string(rune('a'+i%26))+time.Duration(i).String(), time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	now = now.Add(2 * time.Second)
	ok, err := m.Acquire(ctx, "fresh", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestRedisCooldowns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := NewRedisCooldowns(client, "maowbot:cooldown:")
	reg := newRegistry(t, Deps{Cooldowns: st})
	cfg := handler.Config{"cooldown_seconds": 10, "per_user": false, "per_channel": true, "scope": "greet"}
	f, err := reg.NewFilter("cooldown_filter", cfg)
	require.NoError(t, err)
	// a second instance (another replica, or after reload) shares state
	g, err := reg.NewFilter("cooldown_filter", cfg)
	require.NoError(t, err)
	g.(handler.Scoped).SetScope("points/0") // an explicit scope wins

	ctx := context.Background()
	ev := chatEvent("twitch", "kittyn", "alice", "hi")
	v, err := f.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, handler.Pass, v)

	v, err = g.Apply(ctx, chatEvent("twitch", "kittyn", "bob", "hi"))
	require.NoError(t, err)
	assert.Equal(t, handler.Fail, v)
	assert.True(t, mr.Exists("maowbot:cooldown:greet:twitch:kittyn"))

	mr.FastForward(11 * time.Second)
	v, err = g.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, handler.Pass, v)

	mr.SetError("LOADING")
	_, err = f.Apply(ctx, chatEvent("twitch", "other", "x", "hi"))
	assert.ErrorIs(t, err, errs.ErrStorage)
}

func TestDialRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = DialRedis(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}

func newRun(ev *event.Envelope) *execution.Context {
	return execution.NewContext("exec-1", "pipe-1", "greeter", ev).ForAction("a1", nil)
}

func execute(t *testing.T, reg *handler.Registry, name string, cfg handler.Config, run *execution.Context) (handler.Output, error) {
	t.Helper()
	a, err := reg.NewAction(name, cfg)
	require.NoError(t, err)
	return a.Execute(context.Background(), run)
}

func TestLogAction(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := newRegistry(t, Deps{Logger: logger})

	out, err := execute(t, reg, "log_action", handler.Config{"level": "warn", "prefix": "greeting"}, newRun(chatEvent("twitch", "c", "u", "hi")))
	require.NoError(t, err)
	assert.Equal(t, true, out["logged"])
	assert.Equal(t, "warn", out["level"])
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "msg=greeting")
	assert.Contains(t, buf.String(), "pipeline=greeter")
}

func TestSetDataAction_ExpandsTemplates(t *testing.T) {
	reg := newRegistry(t, Deps{})
	run := newRun(chatEvent("twitch", "kittyn", "alice", "hi"))

	_, err := execute(t, reg, "set_data", handler.Config{"key": "reply", "value": "hello {user} in {channel}"}, run)
	require.NoError(t, err)
	_, err = execute(t, reg, "set_data", handler.Config{"key": "count", "value": 3, "type_hint": "int"}, run)
	require.NoError(t, err)

	v, err := run.Get("reply")
	require.NoError(t, err)
	assert.Equal(t, "hello alice in kittyn", v)

	e, ok := run.Lookup("count")
	require.True(t, ok)
	assert.Equal(t, "int", e.TypeHint)
	assert.Equal(t, "a1", e.SetBy)

	_, err = reg.NewAction("set_data", handler.Config{"value": 1})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestPublishAction(t *testing.T) {
	_, err := newRegistry(t, Deps{}).NewAction("nats_publish", handler.Config{"subject": "x"})
	assert.ErrorIs(t, err, errs.ErrConfig, "no publisher")

	pub := &fakePublisher{}
	reg := newRegistry(t, Deps{Publisher: pub})
	run := newRun(chatEvent("twitch", "kittyn", "alice", "hi"))
	require.NoError(t, run.Put("reply", "meow", "string"))

	out, err := execute(t, reg, "nats_publish", handler.Config{"subject": "maowbot.replies.{platform}", "template": "{reply} @{user}"}, run)
	require.NoError(t, err)
	assert.Equal(t, "maowbot.replies.twitch", out["subject"])

	_, err = execute(t, reg, "nats_publish", handler.Config{"subject": "maowbot.runs"}, run)
	require.NoError(t, err)

	require.Len(t, pub.payloads, 2)
	assert.Equal(t, "meow @alice", string(pub.payloads[0]))
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payloads[1], &msg))
	assert.Equal(t, "exec-1", msg["execution_id"])
	assert.Equal(t, map[string]interface{}{"reply": "meow"}, msg["data"])

	pub.err = errors.New("no responders")
	_, err = execute(t, reg, "nats_publish", handler.Config{"subject": "x"}, run)
	assert.ErrorContains(t, err, "no responders")
}

func TestPluginCallAction(t *testing.T) {
	plugins := NewPluginTable()
	reg := newRegistry(t, Deps{Plugins: plugins})
	cfg := handler.Config{
		"plugin_id":     "dice",
		"function_name": "roll",
		"parameters":    map[string]interface{}{"who": "{user}", "sides": 20},
		"pass_event":    true,
	}
	run := newRun(chatEvent("twitch", "kittyn", "alice", "!roll"))

	_, err := execute(t, reg, "plugin_call", cfg, run)
	assert.ErrorIs(t, err, errs.ErrUnknownHandler, "resolved at execution time")

	var got map[string]string
	require.NoError(t, plugins.Register("dice", "roll", func(_ context.Context, params map[string]string) (map[string]interface{}, error) {
		got = params
		return map[string]interface{}{"result": 17}, nil
	}))
	assert.ErrorIs(t, plugins.Register("dice", "roll", nil), errs.ErrDuplicateHandler)
	assert.Equal(t, []string{"dice"}, plugins.Plugins())

	out, err := execute(t, reg, "plugin_call", cfg, run)
	require.NoError(t, err)
	assert.Equal(t, 17, out["result"])
	assert.Equal(t, "alice", got["who"])
	assert.Equal(t, "20", got["sides"])
	assert.Equal(t, "!roll", got["event_text"])
	assert.Equal(t, "twitch", got["event_platform"])

	plugins.Unload("dice")
	_, err = execute(t, reg, "plugin_call", cfg, run)
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)
}

func TestPluginCallAction_UnencodableParameter(t *testing.T) {
	plugins := NewPluginTable()
	called := false
	require.NoError(t, plugins.Register("dice", "roll", func(context.Context, map[string]string) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}))
	a := &pluginCallAction{
		pluginID: "dice",
		function: "roll",
		params:   map[string]interface{}{"sides": math.NaN()},
		plugins:  plugins,
	}

	_, err := a.Execute(context.Background(), newRun(chatEvent("twitch", "kittyn", "alice", "!roll")))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAction)
	assert.Contains(t, err.Error(), "sides")
	assert.False(t, called, "plugin must not run with a dropped parameter")
}

func TestDelayAction(t *testing.T) {
	reg := newRegistry(t, Deps{})
	a, err := reg.NewAction("delay", handler.Config{"duration_ms": 5000})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = a.Execute(ctx, newRun(chatEvent("x", "c", "u", "t")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	out, err := execute(t, reg, "delay", handler.Config{"duration_ms": 1}, newRun(chatEvent("x", "c", "u", "t")))
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["waited_ms"])
}
