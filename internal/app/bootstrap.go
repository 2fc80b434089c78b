package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/observability/debugsrv"
	telegram "mentionbot/internal/transport/telegram/adapter"
	logx "mentionbot/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if cfg.Telegram.SendRatePerChat < 0 {
		return telegram.Config{}, fmt.Errorf("telegram.send_rate_per_chat must be >= 0")
	}
	return telegram.Config{
		Token:           cfg.Telegram.Token,
		PollTimeout:     poll,
		SendRatePerChat: cfg.Telegram.SendRatePerChat,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
		Redact: []string{cfg.Telegram.Token, cfg.Debug.Token},
	}
}

// parseLogTarget reads telegram.group_log: "<chat_id>" or
// "<chat_id>:<thread_id>". An explicit thread wins over logging.telegram.thread_id.
func parseLogTarget(raw string, thread int) (int64, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, nil
	}
	chatPart, threadPart, hasThread := strings.Cut(raw, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram.group_log: invalid chat id %q", chatPart)
	}
	if hasThread {
		t, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || t < 0 {
			return 0, 0, fmt.Errorf("telegram.group_log: invalid thread id %q", threadPart)
		}
		thread = t
	}
	return chatID, thread, nil
}

// applyLogging points the Telegram sink first, then applies the level and
// sinks, so enabling the sink never warns about a missing target.
func (a *App) applyLogging(cfg *config.Config) {
	chatID, thread, err := parseLogTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	if err != nil {
		a.log.Warn("telegram log target ignored", logx.Err(err))
	}
	a.logs.SetTelegramTarget(chatID, thread)
	a.logs.Apply(mapLogConfig(cfg))
}

// validate is installed as the config manager's commit hook: a reload that
// fails here is logged and dropped, the running config stays.
func (a *App) validate(cfg *config.Config) error {
	if _, err := mapAdapterConfig(cfg); err != nil {
		return err
	}
	if _, _, err := parseLogTarget(cfg.Telegram.GroupLog, 0); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if err := validateMaintenanceSpec(maintenanceSpec(cfg)); err != nil {
		return err
	}
	if _, err := debugsrv.FromConfig(cfg.Debug); err != nil {
		return err
	}
	return nil
}
