// Package telegram is the outbound Telegram adapter used for alert
// delivery. It is send-only: the engine consumes no incoming updates.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// Telegram caps message text at 4096 runes.
const textLimit = 4096

type Config struct {
	Token   string
	Timeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{log: log, bot: b}, nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opts *kit.SendOptions) (int, error) {
	if opts == nil {
		opts = &kit.SendOptions{}
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}

	if n := len([]rune(text)); n > textLimit {
		rs := []rune(text)
		text = string(rs[:textLimit-3]) + "..."
	}

	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, &tele.SendOptions{
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: opts.DisablePreview,
		DisableNotification:   opts.Silent,
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}
