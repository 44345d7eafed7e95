package usecase

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/poer2023/chusea-sub003/internal/infra/config"
)

// CacheSweeper removes expired cache entries and reports how many were
// dropped. The REST client implements it.
type CacheSweeper interface {
	SweepCache() int
}

// Janitor runs periodic housekeeping on a cron schedule: expired REST cache
// entries are swept and idle conversations reaped, keeping long-lived
// processes from growing without bound.
type Janitor struct {
	cron    *cron.Cron
	logger  *slog.Logger
	chat    *ChatService // may be nil
	sweeper CacheSweeper // may be nil
	maxAge  time.Duration
}

// NewJanitor builds a janitor from config. Either dependency may be nil;
// the corresponding task is skipped.
func NewJanitor(cfg config.HousekeepingConfig, chat *ChatService, sweeper CacheSweeper, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		logger:  logger,
		chat:    chat,
		sweeper: sweeper,
		maxAge:  cfg.ConversationMaxAge,
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) run() {
	var swept, reaped int
	if j.sweeper != nil {
		swept = j.sweeper.SweepCache()
	}
	if j.chat != nil && j.maxAge > 0 {
		reaped = j.chat.PruneIdle(j.maxAge)
	}
	if swept > 0 || reaped > 0 {
		j.logger.Debug("housekeeping sweep",
			"cache_entries_swept", swept,
			"conversations_reaped", reaped,
		)
	}
}
