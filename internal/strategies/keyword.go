package strategies

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"watchbot/internal/bridge"
	"watchbot/internal/minion"
	"watchbot/internal/storage"
)

const defaultFetchLimit = 100

// Keyword scans new items on each target for configured patterns.
//
// Settings:
//
//	keywords       []string  patterns (plain substrings, or regexes with regex: true)
//	regex          bool      compile keywords as regular expressions
//	case_sensitive bool      plain-substring match case (ignored for regex)
//	fetch_limit    int       items per target per poll (default 100)
//	priority       string    alert priority (default warning)
type Keyword struct{}

func NewKeyword() Keyword { return Keyword{} }

func (Keyword) Type() string { return "keyword" }

func (k Keyword) Poll(ctx context.Context, cfg storage.MinionConfig, st storage.MinionState, h minion.Handle) (minion.StateUpdate, error) {
	matchers, err := compileMatchers(cfg.Settings)
	if err != nil {
		return minion.StateUpdate{}, minion.FatalConfig(err)
	}
	limit := settingInt(cfg.Settings, "fetch_limit", defaultFetchLimit)
	prio := alertPriority(cfg.Settings, storage.PriorityWarning)

	up := minion.StateUpdate{LastItemIDs: map[string]int64{}}
	for _, target := range cfg.Targets {
		after := st.LastItemIDs[target]
		items, err := h.Bridge().FetchRecentItems(ctx, target, limit, after)
		if err != nil {
			return minion.StateUpdate{}, err
		}
		if len(items) == 0 {
			continue
		}
		up.MessagesScanned += int64(len(items))
		up.LastItemIDs[target] = items[len(items)-1].ID

		// First pass over a target only establishes the cursor. Alerting
		// on the backlog would replay history as if it just happened.
		if after == 0 {
			h.Log(ctx, storage.LogInfo, "keyword cursor initialized",
				fmt.Sprintf(`{"target":%q,"cursor":%d}`, target, items[len(items)-1].ID))
			continue
		}

		for _, it := range items {
			hit, ok := matchItem(matchers, it)
			if !ok {
				continue
			}
			h.EmitAlert(ctx, storage.Alert{
				Category: "keyword",
				Priority: prio,
				Title:    fmt.Sprintf("keyword %q matched", hit),
				Message:  fmt.Sprintf("%s: %s", it.Sender, excerpt(it.Text, 200)),
				TargetID: target,
				ItemRef:  strconv.FormatInt(it.ID, 10),
				UserRef:  strconv.FormatInt(it.SenderID, 10),
			})
		}
	}
	return up, nil
}

type matcher struct {
	label string
	re    *regexp.Regexp // nil for plain substring
	plain string
	fold  bool
}

func compileMatchers(settings map[string]any) ([]matcher, error) {
	words := settingStrings(settings, "keywords")
	if len(words) == 0 {
		return nil, fmt.Errorf("keyword: no keywords configured")
	}
	asRegex := settingBool(settings, "regex", false)
	caseSensitive := settingBool(settings, "case_sensitive", false)

	out := make([]matcher, 0, len(words))
	for _, w := range words {
		if asRegex {
			re, err := regexp.Compile(w)
			if err != nil {
				return nil, fmt.Errorf("keyword: bad pattern %q: %w", w, err)
			}
			out = append(out, matcher{label: w, re: re})
			continue
		}
		m := matcher{label: w, plain: w, fold: !caseSensitive}
		if m.fold {
			m.plain = strings.ToLower(w)
		}
		out = append(out, m)
	}
	return out, nil
}

func matchItem(ms []matcher, it bridge.Item) (string, bool) {
	for _, m := range ms {
		if m.re != nil {
			if m.re.MatchString(it.Text) {
				return m.label, true
			}
			continue
		}
		text := it.Text
		if m.fold {
			text = strings.ToLower(text)
		}
		if strings.Contains(text, m.plain) {
			return m.label, true
		}
	}
	return "", false
}

func excerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

func alertPriority(settings map[string]any, fallback storage.Priority) storage.Priority {
	switch settingString(settings, "priority", "") {
	case "info":
		return storage.PriorityInfo
	case "warning":
		return storage.PriorityWarning
	case "critical":
		return storage.PriorityCritical
	}
	return fallback
}
