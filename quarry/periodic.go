// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"time"

	"github.com/hashicorp/quarry/quarry/structs"
)

// Periodic agent intervals. The scheduler additionally wakes on every
// submit, completion, and node event.
const (
	backfillInterval    = 30 * time.Second
	timeLimitInterval   = 30 * time.Second
	livenessInterval    = 15 * time.Second
	checkpointInterval  = 5 * time.Minute
	reservationInterval = time.Minute
	// reservationHorizon is how far ahead periodic templates are
	// materialized into concrete instances.
	reservationHorizon = 24 * time.Hour
)

func (s *Server) startPeriodic() {
	loops := []func(){
		s.schedulerLoop,
		s.timeLimitLoop,
		s.livenessLoop,
		s.checkpointLoop,
		s.rollupLoop,
		s.purgeLoop,
		s.reservationLoop,
	}
	s.wg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}
}

// schedulerLoop runs a cycle on demand and a backfill pass on a timer,
// so jobs waiting on time-based eligibility are not starved of kicks.
func (s *Server) schedulerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(backfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-s.evalCh:
		case <-ticker.C:
		}
		stats := s.driver.RunCycle(time.Now())
		if stats.Started > 0 || stats.Preempted > 0 || stats.Failed > 0 {
			s.logger.Debug("scheduling cycle",
				"examined", stats.Examined, "started", stats.Started,
				"preempted", stats.Preempted, "failed", stats.Failed)
		}
	}
}

func (s *Server) timeLimitLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(timeLimitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			if hit := s.driver.EnforceTimeLimits(time.Now(), uint32(s.config.KillWaitSec)); hit > 0 {
				s.kickScheduler()
			}
		}
	}
}

func (s *Server) livenessLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.checkNodeLiveness(time.Now())
		}
	}
}

func (s *Server) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			if err := s.state.Checkpoint(s.config.StateSaveLocation); err != nil {
				s.logger.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// rollupLoop fires on the hour: it samples cluster capacity, then rolls
// up the hour that just closed. Day and month rollups ride on the same
// tick once their last hour is in.
func (s *Server) rollupLoop() {
	defer s.wg.Done()
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour)
		select {
		case <-s.shutdownCh:
			return
		case <-time.After(next.Sub(now)):
		}

		closed := next.Add(-time.Hour)
		if err := s.acctStore.AddClusterCapacity(s.clusterName(), s.totalCPUs(), next); err != nil {
			s.logger.Error("capacity sample failed", "error", err)
		}
		if err := s.acctStore.RunHourlyRollup(closed); err != nil {
			s.logger.Error("hourly rollup failed", "hour", closed, "error", err)
		}
		if next.Hour() == 0 {
			day := closed.Truncate(24 * time.Hour)
			if err := s.acctStore.RunDailyRollup(day); err != nil {
				s.logger.Error("daily rollup failed", "day", day, "error", err)
			}
			if next.Day() == 1 {
				month := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
				if err := s.acctStore.RunMonthlyRollup(month); err != nil {
					s.logger.Error("monthly rollup failed", "month", month, "error", err)
				}
			}
		}
	}
}

// purgeLoop removes terminal jobs once they have aged past min_job_age,
// keeping them queryable for a while after completion.
func (s *Server) purgeLoop() {
	defer s.wg.Done()
	interval := s.config.MinJobAge() / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.purgeOldJobs(time.Now())
		}
	}
}

func (s *Server) purgeOldJobs(now time.Time) {
	cutoff := now.Add(-s.config.MinJobAge())
	for _, job := range s.state.Jobs(func(j *structs.Job) bool {
		return j.Terminal() && !j.EndTime.IsZero() && j.EndTime.Before(cutoff)
	}) {
		if err := s.state.PurgeJob(job.ID); err != nil {
			s.logger.Error("job purge failed", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Debug("purged job", "job_id", job.ID, "state", job.State)
	}
}

// reservationLoop materializes periodic templates over the horizon and
// retires instances that have ended.
func (s *Server) reservationLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reservationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.maintainReservations(time.Now())
		}
	}
}

func (s *Server) maintainReservations(now time.Time) {
	resvs := s.state.Reservations()

	// Instances already materialized, keyed by template and start time.
	existing := make(map[string]struct{})
	for _, r := range resvs {
		if r.TemplateName != "" {
			existing[r.TemplateName+"@"+r.Start.UTC().Format(time.RFC3339)] = struct{}{}
		}
	}

	for _, r := range resvs {
		if r.Periodic() {
			start := r.NextOccurrence(now)
			if start.IsZero() || start.After(now.Add(reservationHorizon)) {
				continue
			}
			key := r.Name + "@" + start.UTC().Format(time.RFC3339)
			if _, ok := existing[key]; ok {
				continue
			}
			inst := r.Materialize(start, s.state.NextResvID())
			inst.Name = fmt.Sprintf("%s-%d", r.Name, inst.ID)
			if _, err := s.state.UpsertReservation(inst); err != nil {
				s.logger.Error("reservation materialization failed",
					"template", r.Name, "error", err)
				continue
			}
			s.recordReservation(inst)
			s.logger.Info("materialized periodic reservation",
				"template", r.Name, "instance", inst.Name, "start", inst.Start)
			continue
		}
		// One-shot instances are retired once their window closes.
		if !r.End.IsZero() && now.After(r.End) {
			if err := s.state.DeleteReservation(r.Name); err != nil {
				s.logger.Error("reservation retirement failed", "name", r.Name, "error", err)
				continue
			}
			s.logger.Debug("retired reservation", "name", r.Name)
			s.kickScheduler()
		}
	}

	// Covered nodes carry the maintenance or reserved flag while a window
	// is open and shed it when the window closes.
	s.state.SyncReservationFlags(now)
}

// totalCPUs sums effective cpu capacity over live nodes for accounting.
func (s *Server) totalCPUs() uint32 {
	var total uint32
	for _, n := range s.state.Nodes(func(n *structs.Node) bool {
		return !n.Flags.Has(structs.NodeFlagTombstone)
	}) {
		cpus, _ := n.EffectiveResources(s.config.FastSchedule)
		total += cpus
	}
	return total
}
