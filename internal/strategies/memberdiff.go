package strategies

import (
	"context"
	"fmt"
	"strconv"

	"watchbot/internal/minion"
	"watchbot/internal/storage"
)

const defaultMemberLimit = 1000

// MemberDiff snapshots each target's member list and alerts on joins and
// leaves relative to the previous snapshot.
//
// Settings:
//
//	alert_on_join  bool  (default true)
//	alert_on_leave bool  (default true)
//	member_limit   int   snapshot size cap (default 1000)
//	priority       string alert priority (default info)
type MemberDiff struct{}

func NewMemberDiff() MemberDiff { return MemberDiff{} }

func (MemberDiff) Type() string { return "memberdiff" }

func (m MemberDiff) Poll(ctx context.Context, cfg storage.MinionConfig, st storage.MinionState, h minion.Handle) (minion.StateUpdate, error) {
	onJoin := settingBool(cfg.Settings, "alert_on_join", true)
	onLeave := settingBool(cfg.Settings, "alert_on_leave", true)
	limit := settingInt(cfg.Settings, "member_limit", defaultMemberLimit)
	prio := alertPriority(cfg.Settings, storage.PriorityInfo)

	up := minion.StateUpdate{KnownMembers: map[string][]int64{}}
	for _, target := range cfg.Targets {
		members, err := h.Bridge().FetchMemberSnapshot(ctx, target, limit)
		if err != nil {
			return minion.StateUpdate{}, err
		}

		current := make([]int64, 0, len(members))
		names := make(map[int64]string, len(members))
		for _, mb := range members {
			current = append(current, mb.ID)
			names[mb.ID] = memberLabel(mb.Name, mb.Username, mb.ID)
		}
		up.KnownMembers[target] = current

		known, seeded := st.KnownMembers[target]
		if !seeded {
			h.Log(ctx, storage.LogInfo, "member snapshot initialized",
				fmt.Sprintf(`{"target":%q,"members":%d}`, target, len(current)))
			continue
		}

		prev := make(map[int64]struct{}, len(known))
		for _, id := range known {
			prev[id] = struct{}{}
		}
		cur := make(map[int64]struct{}, len(current))
		for _, id := range current {
			cur[id] = struct{}{}
		}

		if onJoin {
			for _, id := range current {
				if _, ok := prev[id]; ok {
					continue
				}
				h.EmitAlert(ctx, storage.Alert{
					Category: "member.join",
					Priority: prio,
					Title:    "member joined",
					Message:  fmt.Sprintf("%s joined %s", names[id], target),
					TargetID: target,
					UserRef:  strconv.FormatInt(id, 10),
				})
			}
		}
		if onLeave {
			for _, id := range known {
				if _, ok := cur[id]; ok {
					continue
				}
				h.EmitAlert(ctx, storage.Alert{
					Category: "member.leave",
					Priority: prio,
					Title:    "member left",
					Message:  fmt.Sprintf("member %d left %s", id, target),
					TargetID: target,
					UserRef:  strconv.FormatInt(id, 10),
				})
			}
		}
	}
	return up, nil
}

func memberLabel(name, username string, id int64) string {
	switch {
	case username != "":
		return "@" + username
	case name != "":
		return name
	default:
		return strconv.FormatInt(id, 10)
	}
}
