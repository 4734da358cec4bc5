/*
scheduler.go - Background maintenance jobs

PURPOSE:
  The cached rank is eventually consistent: a refresh that failed after its
  points committed leaves it stale. The scheduler repairs that drift and
  ends campaigns whose endsAt has passed.

JOBS (gocron, singleton mode so runs never overlap):
  rank-reconcile   every CheckInterval  ReconcileRanks for each waitlist with
                                        an ACTIVE or PAUSED campaign
  end-due          every minute         campaign.Service.EndDue
  limiter-sweep    every LimiterIdle    drops join rate-limit buckets idle for
                                        LimiterIdle (only when Limiter is set)

USAGE:
  scheduler := NewScheduler(handler)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - leaderboard/ranker.go: ReconcileRanks
  - campaign/service.go: EndDue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/warp/waitlist-engine/campaign"
	"github.com/warp/waitlist-engine/core"
	"github.com/warp/waitlist-engine/leaderboard"
)

// Scheduler runs the maintenance jobs.
type Scheduler struct {
	Store         core.Store
	Ranker        *leaderboard.Ranker
	Campaigns     *campaign.Service
	CheckInterval time.Duration
	EndInterval   time.Duration
	Limiter       *JoinLimiter // nil skips the limiter-sweep job
	LimiterIdle   time.Duration
	Enabled       bool
	Now           core.Clock

	mu    sync.Mutex
	sched gocron.Scheduler
}

// NewScheduler creates a scheduler over the handler's engines.
func NewScheduler(h *Handler) *Scheduler {
	return &Scheduler{
		Store:         h.Store,
		Ranker:        h.Ranker,
		Campaigns:     h.Campaigns,
		CheckInterval: 10 * time.Minute,
		EndInterval:   time.Minute,
		LimiterIdle:   10 * time.Minute,
		Enabled:       true,
		Now:           core.SystemClock,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.CheckInterval),
		gocron.NewTask(func() { s.ReconcileRanks(context.Background()) }),
		gocron.WithName("rank-reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.EndInterval),
		gocron.NewTask(func() { s.EndDueCampaigns(context.Background()) }),
		gocron.WithName("end-due"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}
	if s.Limiter != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.LimiterIdle),
			gocron.NewTask(func() { s.SweepLimiter() }),
			gocron.WithName("limiter-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return err
		}
	}

	sched.Start()
	s.sched = sched
	log.Printf("[Scheduler] Started with check interval: %v", s.CheckInterval)
	return nil
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
	s.sched = nil
	log.Println("[Scheduler] Stopped")
}

// ReconcileRanks rewrites stale cached ranks of every running waitlist and
// returns how many were rewritten. Failures are logged per waitlist.
func (s *Scheduler) ReconcileRanks(ctx context.Context) int {
	running, err := s.Store.ListCampaigns(ctx, core.CampaignActive, core.CampaignPaused)
	if err != nil {
		log.Printf("[Scheduler] Failed to list campaigns: %v", err)
		return 0
	}

	updated := 0
	for _, c := range running {
		report, err := s.Ranker.ReconcileRanks(ctx, c.WaitlistID)
		if err != nil {
			log.Printf("[Scheduler] Rank reconcile failed for waitlist %s: %v", c.WaitlistID, err)
			continue
		}
		updated += report.Updated
	}
	return updated
}

// EndDueCampaigns ends campaigns whose endsAt has passed.
func (s *Scheduler) EndDueCampaigns(ctx context.Context) []core.CampaignID {
	ended, err := s.Campaigns.EndDue(ctx, s.Now())
	if err != nil {
		log.Printf("[Scheduler] Failed to end due campaigns: %v", err)
		return nil
	}
	for _, id := range ended {
		log.Printf("[Scheduler] Ended campaign %s", id)
	}
	return ended
}

// SweepLimiter drops join rate-limit buckets idle for LimiterIdle.
func (s *Scheduler) SweepLimiter() int {
	dropped := s.Limiter.Sweep(s.LimiterIdle)
	if dropped > 0 {
		log.Printf("[Scheduler] Dropped %d idle rate-limit buckets", dropped)
	}
	return dropped
}
