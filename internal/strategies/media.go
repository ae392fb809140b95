package strategies

import (
	"context"
	"fmt"
	"strconv"

	"watchbot/internal/minion"
	"watchbot/internal/storage"
)

// Media watches targets for items carrying attachments, captures the blob
// through the bridge and alerts with a reference to the stored copy.
// Cursor handling mirrors Keyword: the first pass over a target only
// establishes the high-water mark.
//
// Settings:
//
//	fetch_limit int      items per target per poll (default 100)
//	senders     []string restrict to these sender ids (empty = all)
//	capture     bool     fetch the blob, not just alert (default true)
//	priority    string   alert priority (default info)
type Media struct{}

func NewMedia() Media { return Media{} }

func (Media) Type() string { return "media" }

func (m Media) Poll(ctx context.Context, cfg storage.MinionConfig, st storage.MinionState, h minion.Handle) (minion.StateUpdate, error) {
	limit := settingInt(cfg.Settings, "fetch_limit", defaultFetchLimit)
	capture := settingBool(cfg.Settings, "capture", true)
	prio := alertPriority(cfg.Settings, storage.PriorityInfo)

	senders := make(map[string]struct{})
	for _, s := range settingStrings(cfg.Settings, "senders") {
		senders[s] = struct{}{}
	}

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

		if after == 0 {
			h.Log(ctx, storage.LogInfo, "media cursor initialized",
				fmt.Sprintf(`{"target":%q,"cursor":%d}`, target, items[len(items)-1].ID))
			continue
		}

		for _, it := range items {
			if !it.HasMedia {
				continue
			}
			if len(senders) > 0 {
				if _, ok := senders[strconv.FormatInt(it.SenderID, 10)]; !ok {
					continue
				}
			}

			payload := ""
			if capture {
				blob, err := h.Bridge().FetchMedia(ctx, target, it.ID)
				if err != nil {
					// One failed capture should not sink the whole poll.
					h.Log(ctx, storage.LogWarn, "media capture failed",
						fmt.Sprintf(`{"target":%q,"item":%d,"error":%q}`, target, it.ID, err.Error()))
				} else if blob != nil {
					payload = fmt.Sprintf(`{"blob":%q,"path":%q,"mime":%q,"size":%d}`,
						blob.ID, blob.Path, blob.Mime, blob.Size)
				}
			}

			h.EmitAlert(ctx, storage.Alert{
				Category: "media",
				Priority: prio,
				Title:    "media posted",
				Message:  fmt.Sprintf("%s posted media in %s", it.Sender, target),
				TargetID: target,
				ItemRef:  strconv.FormatInt(it.ID, 10),
				UserRef:  strconv.FormatInt(it.SenderID, 10),
				Payload:  payload,
			})
		}
	}
	return up, nil
}
