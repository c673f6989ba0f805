package main

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StartHealthWatchdog starts a cron-based scheduler that checks whether the
// device has reported health recently and broadcasts an offline health
// update when it has not.
// The schedule is a standard 5-field cron expression (minute hour day-of-month month day-of-week).
// Examples: "* * * * *" (every minute), "*/5 * * * *" (every 5 minutes).
func StartHealthWatchdog(cfg Config, relay *Relay) {
	schedule := cfg.WatchdogSchedule
	if schedule == "" {
		log.Println("Health watchdog disabled (watchdog_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid watchdog_schedule '%s': %v — health watchdog disabled", schedule, err)
		return
	}

	staleAfter := time.Duration(cfg.HealthStaleSeconds) * time.Second
	log.Printf("Health watchdog scheduled (cron: %s, stale after %s)", schedule, staleAfter)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			time.Sleep(next.Sub(now))
			relay.CheckHealthStaleness(staleAfter)
		}
	}()
}
