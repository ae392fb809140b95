package strategies

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"watchbot/internal/minion"
	"watchbot/internal/storage"
)

// NameWatch searches the upstream directory for each configured name and
// alerts when a result's title is close enough to a watched name. Targets
// declared on the minion config are treated as already-known and never
// alerted on.
//
// The seen-set rides the member cursor: fnv64 hashes of matched target
// ids, keyed by the watched name, so a restart does not replay alerts.
//
// Settings:
//
//	names     []string  names to watch (falls back to cfg.Targets queries)
//	threshold float     similarity cutoff in [0,1] (default 0.8)
//	priority  string    alert priority (default warning)
type NameWatch struct{}

func NewNameWatch() NameWatch { return NameWatch{} }

func (NameWatch) Type() string { return "namewatch" }

func (n NameWatch) Poll(ctx context.Context, cfg storage.MinionConfig, st storage.MinionState, h minion.Handle) (minion.StateUpdate, error) {
	names := settingStrings(cfg.Settings, "names")
	if len(names) == 0 {
		names = cfg.Targets
	}
	if len(names) == 0 {
		return minion.StateUpdate{}, minion.FatalConfig(fmt.Errorf("namewatch: no names configured"))
	}
	threshold := settingFloat(cfg.Settings, "threshold", 0.8)
	if threshold < 0 || threshold > 1 {
		return minion.StateUpdate{}, minion.FatalConfig(fmt.Errorf("namewatch: threshold %v out of range", threshold))
	}
	prio := alertPriority(cfg.Settings, storage.PriorityWarning)

	ignore := make(map[string]struct{}, len(cfg.Targets))
	for _, t := range cfg.Targets {
		ignore[t] = struct{}{}
	}

	up := minion.StateUpdate{KnownMembers: map[string][]int64{}}
	for _, name := range names {
		results, err := h.Bridge().SearchTargets(ctx, name)
		if err != nil {
			return minion.StateUpdate{}, err
		}

		seen := make(map[int64]struct{})
		for _, hsh := range st.KnownMembers[name] {
			seen[hsh] = struct{}{}
		}
		cursor := append([]int64(nil), st.KnownMembers[name]...)

		for _, res := range results {
			if _, ok := ignore[res.ID]; ok {
				continue
			}
			score := titleSimilarity(name, res.Title)
			if score < threshold {
				continue
			}
			hsh := hash64(res.ID)
			if _, ok := seen[hsh]; ok {
				continue
			}
			seen[hsh] = struct{}{}
			cursor = append(cursor, hsh)

			h.EmitAlert(ctx, storage.Alert{
				Category: "namewatch",
				Priority: prio,
				Title:    fmt.Sprintf("lookalike of %q found", name),
				Message:  fmt.Sprintf("%s %q (%d members) scored %.2f", res.Kind, res.Title, res.Members, score),
				TargetID: res.ID,
				Payload:  fmt.Sprintf(`{"watched":%q,"title":%q,"score":%.3f}`, name, res.Title, score),
			})
		}
		up.KnownMembers[name] = cursor
	}
	return up, nil
}

// titleSimilarity is a normalized Levenshtein ratio over folded titles:
// 1.0 is identical, 0.0 shares nothing.
func titleSimilarity(a, b string) float64 {
	a = normalizeTitle(a)
	b = normalizeTitle(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	dist := levenshtein(ra, rb)
	max := len(ra)
	if len(rb) > max {
		max = len(rb)
	}
	return 1 - float64(dist)/float64(max)
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func hash64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
