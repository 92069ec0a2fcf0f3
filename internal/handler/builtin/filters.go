package builtin

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kittynXR/maowbot-sub000/internal/condition"
	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
)

// User levels, lowest first. Unknown levels rank as viewer.
var userLevels = map[string]int{
	"viewer":      0,
	"follower":    1,
	"subscriber":  2,
	"vip":         3,
	"moderator":   4,
	"broadcaster": 5,
	"owner":       5,
}

func filters(deps Deps) []registration {
	return []registration{
		{handler.Descriptor{
			Name:        "platform_filter",
			Category:    "platform",
			Description: "Pass events from the listed platforms. An empty list passes everything.",
			Schema:      object(props{"platforms": stringList()}),
		}, handler.FilterFactory(newPlatformFilter)},
		{handler.Descriptor{
			Name:        "channel_filter",
			Category:    "platform",
			Description: "Pass events whose payload.channel is one of channels.",
			Schema:      object(props{"channels": stringList()}, "channels"),
		}, handler.FilterFactory(newChannelFilter)},
		{handler.Descriptor{
			Name:        "event_type_filter",
			Category:    "event",
			Description: "Pass events whose type matches one of the patterns (\"*\" per segment, trailing \".>\" for any suffix).",
			Schema:      object(props{"event_types": stringList()}, "event_types"),
		}, handler.FilterFactory(newEventTypeFilter)},
		{handler.Descriptor{
			Name:        "user_level_filter",
			Category:    "user",
			Description: "Pass users at or above min_level, or in allowed_levels when set.",
			Schema: object(props{
				"min_level":      map[string]interface{}{"type": "string", "enum": []interface{}{"viewer", "follower", "subscriber", "vip", "moderator", "broadcaster", "owner"}},
				"allowed_levels": stringList(),
			}),
		}, handler.FilterFactory(newUserLevelFilter)},
		{handler.Descriptor{
			Name:        "user_role_filter",
			Category:    "user",
			Description: "Pass users holding any (or all) of required_roles. An empty list passes everything.",
			Schema: object(props{
				"required_roles": stringList(),
				"match_any":      boolean(),
			}, "required_roles"),
		}, handler.FilterFactory(newUserRoleFilter)},
		{handler.Descriptor{
			Name:        "message_pattern_filter",
			Category:    "message",
			Description: "Pass chat messages matching any (or all) of the regular expressions.",
			Schema: object(props{
				"patterns":         stringList(),
				"match_any":        boolean(),
				"case_insensitive": boolean(),
			}, "patterns"),
		}, handler.FilterFactory(newMessagePatternFilter)},
		{handler.Descriptor{
			Name:        "message_length_filter",
			Category:    "message",
			Description: "Pass chat messages whose length in characters is within bounds.",
			Schema:      object(props{"min_length": integer(0), "max_length": integer(0)}),
		}, handler.FilterFactory(newMessageLengthFilter)},
		{handler.Descriptor{
			Name:        "time_window_filter",
			Category:    "timing",
			Description: "Pass events inside an hour window, optionally on selected weekdays (0 = Monday).",
			Schema: object(props{
				"start_hour":   map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 23},
				"end_hour":     map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 23},
				"timezone":     str(),
				"days_of_week": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 6}},
			}),
		}, handler.FilterFactory(func(cfg handler.Config) (handler.Filter, error) {
			return newTimeWindowFilter(cfg, deps.Now)
		})},
		{handler.Descriptor{
			Name:        "cooldown_filter",
			Category:    "timing",
			Description: "Pass at most once per cooldown window per platform, optionally per channel and user.",
			Schema: object(props{
				"cooldown_seconds": integer(0),
				"per_user":         boolean(),
				"per_channel":      boolean(),
				"scope":            str(),
			}),
		}, handler.FilterFactory(func(cfg handler.Config) (handler.Filter, error) {
			return newCooldownFilter(cfg, deps.Cooldowns)
		})},
		{handler.Descriptor{
			Name:        "expression_filter",
			Category:    "event",
			Description: "Pass events for which the boolean expression holds. Missing fields fail.",
			Schema:      object(props{"expression": map[string]interface{}{"type": "string", "minLength": 1}}, "expression"),
		}, handler.FilterFactory(newExpressionFilter)},
	}
}

type platformFilter struct{ platforms []string }

func newPlatformFilter(cfg handler.Config) (handler.Filter, error) {
	var c struct {
		Platforms []string `json:"platforms"`
	}
	if err := decode("platform_filter", cfg, &c); err != nil {
		return nil, err
	}
	return &platformFilter{platforms: c.Platforms}, nil
}

func (f *platformFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	if len(f.platforms) == 0 {
		return handler.Pass, nil
	}
	return handler.Verdict(containsFold(f.platforms, ev.Platform)), nil
}

type channelFilter struct{ channels []string }

func newChannelFilter(cfg handler.Config) (handler.Filter, error) {
	var c struct {
		Channels []string `json:"channels"`
	}
	if err := decode("channel_filter", cfg, &c); err != nil {
		return nil, err
	}
	for i, ch := range c.Channels {
		c.Channels[i] = strings.TrimPrefix(ch, "#")
	}
	return &channelFilter{channels: c.Channels}, nil
}

func (f *channelFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	ch, ok := ev.Channel()
	if !ok {
		return handler.Fail, nil
	}
	return handler.Verdict(containsFold(f.channels, strings.TrimPrefix(ch, "#"))), nil
}

type eventTypeFilter struct{ patterns []string }

func newEventTypeFilter(cfg handler.Config) (handler.Filter, error) {
	var c struct {
		EventTypes []string `json:"event_types"`
	}
	if err := decode("event_type_filter", cfg, &c); err != nil {
		return nil, err
	}
	for _, p := range c.EventTypes {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errs.Errorf(errs.ErrConfig, "event_type_filter", "bad pattern %q: %v", p, err)
		}
	}
	return &eventTypeFilter{patterns: c.EventTypes}, nil
}

func (f *eventTypeFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	typ := strings.ReplaceAll(ev.Type, ".", "/")
	for _, p := range f.patterns {
		// ".>" matches any number of trailing segments, as in NATS subjects
		if prefix, ok := strings.CutSuffix(p, ".>"); ok {
			if strings.HasPrefix(ev.Type, prefix+".") {
				return handler.Pass, nil
			}
			continue
		}
		// "." separates segments, "*" matches within one
		if ok, _ := path.Match(strings.ReplaceAll(p, ".", "/"), typ); ok {
			return handler.Pass, nil
		}
	}
	return handler.Fail, nil
}

type userLevelFilter struct {
	min     int
	allowed []string
}

func newUserLevelFilter(cfg handler.Config) (handler.Filter, error) {
	c := struct {
		MinLevel      string   `json:"min_level"`
		AllowedLevels []string `json:"allowed_levels"`
	}{MinLevel: "viewer"}
	if err := decode("user_level_filter", cfg, &c); err != nil {
		return nil, err
	}
	return &userLevelFilter{min: userLevels[strings.ToLower(c.MinLevel)], allowed: c.AllowedLevels}, nil
}

func (f *userLevelFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	if _, ok := ev.User(); !ok {
		return handler.Fail, nil
	}
	level := ev.Metadata["level"]
	if level == "" {
		level = "viewer"
	}
	if len(f.allowed) > 0 {
		return handler.Verdict(containsFold(f.allowed, level)), nil
	}
	return handler.Verdict(userLevels[strings.ToLower(level)] >= f.min), nil
}

type userRoleFilter struct {
	roles    []string
	matchAny bool
}

func newUserRoleFilter(cfg handler.Config) (handler.Filter, error) {
	c := struct {
		RequiredRoles []string `json:"required_roles"`
		MatchAny      bool     `json:"match_any"`
	}{MatchAny: true}
	if err := decode("user_role_filter", cfg, &c); err != nil {
		return nil, err
	}
	return &userRoleFilter{roles: c.RequiredRoles, matchAny: c.MatchAny}, nil
}

func (f *userRoleFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	if len(f.roles) == 0 {
		return handler.Pass, nil
	}
	held := userRoles(ev)
	matched := 0
	for _, r := range f.roles {
		if containsFold(held, r) {
			matched++
		}
	}
	if f.matchAny {
		return handler.Verdict(matched > 0), nil
	}
	return handler.Verdict(matched == len(f.roles)), nil
}

// userRoles reads payload.roles (list or comma-separated string), falling
// back to the comma-separated metadata["roles"].
func userRoles(ev *event.Envelope) []string {
	switch v := ev.Payload["roles"].(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		return splitRoles(v)
	}
	return splitRoles(ev.Metadata["roles"])
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

type messagePatternFilter struct {
	patterns []*regexp.Regexp
	matchAny bool
}

func newMessagePatternFilter(cfg handler.Config) (handler.Filter, error) {
	c := struct {
		Patterns        []string `json:"patterns"`
		MatchAny        bool     `json:"match_any"`
		CaseInsensitive bool     `json:"case_insensitive"`
	}{MatchAny: true}
	if err := decode("message_pattern_filter", cfg, &c); err != nil {
		return nil, err
	}
	f := &messagePatternFilter{matchAny: c.MatchAny}
	for _, p := range c.Patterns {
		if c.CaseInsensitive {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errs.Errorf(errs.ErrConfig, "message_pattern_filter", "invalid pattern %q: %v", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *messagePatternFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	text, ok := ev.Text()
	if !ok {
		return handler.Fail, nil
	}
	if len(f.patterns) == 0 {
		return handler.Pass, nil
	}
	matched := 0
	for _, re := range f.patterns {
		if re.MatchString(text) {
			matched++
			if f.matchAny {
				return handler.Pass, nil
			}
		}
	}
	return handler.Verdict(matched == len(f.patterns)), nil
}

type messageLengthFilter struct{ min, max int }

func newMessageLengthFilter(cfg handler.Config) (handler.Filter, error) {
	c := struct {
		MinLength int `json:"min_length"`
		MaxLength int `json:"max_length"`
	}{MaxLength: 500}
	if err := decode("message_length_filter", cfg, &c); err != nil {
		return nil, err
	}
	if c.MinLength > c.MaxLength {
		return nil, errs.Errorf(errs.ErrConfig, "message_length_filter", "min_length %d > max_length %d", c.MinLength, c.MaxLength)
	}
	return &messageLengthFilter{min: c.MinLength, max: c.MaxLength}, nil
}

func (f *messageLengthFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	text, ok := ev.Text()
	if !ok {
		return handler.Fail, nil
	}
	n := utf8.RuneCountInString(text)
	return handler.Verdict(n >= f.min && n <= f.max), nil
}

type timeWindowFilter struct {
	start, end int
	loc        *time.Location
	days       map[int]bool
	now        func() time.Time
}

func newTimeWindowFilter(cfg handler.Config, now func() time.Time) (handler.Filter, error) {
	c := struct {
		StartHour  int    `json:"start_hour"`
		EndHour    int    `json:"end_hour"`
		Timezone   string `json:"timezone"`
		DaysOfWeek []int  `json:"days_of_week"`
	}{EndHour: 23, Timezone: "UTC"}
	if err := decode("time_window_filter", cfg, &c); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errs.Errorf(errs.ErrConfig, "time_window_filter", "invalid timezone %q: %v", c.Timezone, err)
	}
	f := &timeWindowFilter{start: c.StartHour, end: c.EndHour, loc: loc, now: now}
	if len(c.DaysOfWeek) > 0 {
		f.days = make(map[int]bool, len(c.DaysOfWeek))
		for _, d := range c.DaysOfWeek {
			f.days[d] = true
		}
	}
	return f, nil
}

func (f *timeWindowFilter) Apply(context.Context, *event.Envelope) (handler.Verdict, error) {
	t := f.now().In(f.loc)
	weekday := (int(t.Weekday()) + 6) % 7
	if f.days != nil && !f.days[weekday] {
		return handler.Fail, nil
	}
	h := t.Hour()
	if f.start <= f.end {
		return handler.Verdict(h >= f.start && h <= f.end), nil
	}
	// window wraps past midnight
	return handler.Verdict(h >= f.start || h <= f.end), nil
}

type cooldownFilter struct {
	window     time.Duration
	perUser    bool
	perChannel bool
	scope      string
	explicit   bool
	store      CooldownStore
}

func newCooldownFilter(cfg handler.Config, st CooldownStore) (handler.Filter, error) {
	c := struct {
		CooldownSeconds int    `json:"cooldown_seconds"`
		PerUser         bool   `json:"per_user"`
		PerChannel      bool   `json:"per_channel"`
		Scope           string `json:"scope"`
	}{CooldownSeconds: 60, PerUser: true}
	if err := decode("cooldown_filter", cfg, &c); err != nil {
		return nil, err
	}
	f := &cooldownFilter{
		window:     time.Duration(c.CooldownSeconds) * time.Second,
		perUser:    c.PerUser,
		perChannel: c.PerChannel,
		scope:      c.Scope,
		explicit:   c.Scope != "",
		store:      st,
	}
	if !f.explicit {
		f.scope = fingerprint(cfg)
	}
	return f, nil
}

// SetScope gives the filter its own cooldown state unless the config names
// a shared scope.
func (f *cooldownFilter) SetScope(scope string) {
	if !f.explicit {
		f.scope = scope
	}
}

func (f *cooldownFilter) Apply(ctx context.Context, ev *event.Envelope) (handler.Verdict, error) {
	key, ok := f.key(ev)
	if !ok || f.window <= 0 {
		return handler.Pass, nil
	}
	allowed, err := f.store.Acquire(ctx, key, f.window)
	if err != nil {
		return handler.Fail, err
	}
	return handler.Verdict(allowed), nil
}

// key is scope:platform[:channel][:user]. Events lacking a keyed field
// are not rate limited.
func (f *cooldownFilter) key(ev *event.Envelope) (string, bool) {
	parts := []string{f.scope, ev.Platform}
	if f.perChannel {
		ch, ok := ev.Channel()
		if !ok {
			return "", false
		}
		parts = append(parts, ch)
	}
	if f.perUser {
		u, ok := ev.User()
		if !ok {
			return "", false
		}
		parts = append(parts, u)
	}
	return strings.Join(parts, ":"), true
}

type expressionFilter struct{ prog *condition.Program }

func newExpressionFilter(cfg handler.Config) (handler.Filter, error) {
	src, _ := cfg["expression"].(string)
	prog, err := condition.Compile(src)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "expression_filter", err)
	}
	return &expressionFilter{prog: prog}, nil
}

func (f *expressionFilter) Apply(_ context.Context, ev *event.Envelope) (handler.Verdict, error) {
	ok, err := f.prog.Eval(ev)
	if errors.Is(err, condition.ErrUnresolved) {
		return handler.Fail, nil
	}
	if err != nil {
		return handler.Fail, err
	}
	return handler.Verdict(ok), nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// fingerprint is the cooldown scope of a filter built outside a pipeline.
func fingerprint(cfg handler.Config) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", cfg)
	return fmt.Sprintf("%x", h.Sum64())
}
