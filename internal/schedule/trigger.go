package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/util"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger fires backups of one type on a cron cadence.
type Trigger struct {
	Kind backup.Kind
	Spec string
}

// Daily fires every day at HH:MM.
func Daily(kind backup.Kind, at string) (Trigger, error) {
	h, m, err := util.ParseClock(at)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Kind: kind, Spec: fmt.Sprintf("%d %d * * *", m, h)}, nil
}

// Weekly fires on weekday at HH:MM.
func Weekly(kind backup.Kind, weekday, at string) (Trigger, error) {
	d, err := util.ParseWeekday(weekday)
	if err != nil {
		return Trigger{}, err
	}
	h, m, err := util.ParseClock(at)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Kind: kind, Spec: fmt.Sprintf("%d %d * * %d", m, h, int(d))}, nil
}

// FromConfig builds a trigger from its config form: a raw cron expression wins,
// otherwise weekday selects weekly over daily.
func FromConfig(kind, at, weekday, expr string) (Trigger, error) {
	k, err := backup.ParseKind(kind)
	if err != nil {
		return Trigger{}, err
	}
	switch {
	case expr != "":
		if _, err := parser.Parse(expr); err != nil {
			return Trigger{}, fmt.Errorf("trigger %s: %w", kind, err)
		}
		return Trigger{Kind: k, Spec: expr}, nil
	case weekday != "":
		return Weekly(k, weekday, at)
	default:
		return Daily(k, at)
	}
}

type armed struct {
	Trigger
	schedule cron.Schedule
	next     time.Time
}
