// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package acct

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// capacitySample is one cluster cpu-count report.
type capacitySample struct {
	cpus uint32
	t    time.Time
}

// MemStore keeps raw records and aggregates in memory. It is the
// reference Store implementation; production deployments wrap it (or a
// SQL-backed equivalent) in a BufferedStore.
type MemStore struct {
	mu sync.Mutex

	// TrackWCKey keys aggregate rows by wckey in addition to
	// association.
	TrackWCKey bool

	logger hclog.Logger

	jobs     map[uint64]*JobRecord
	suspends []*SuspendRecord
	steps    map[uint64][]*StepRecord
	events   []*NodeEventRecord
	resvs    []*ReservationRecord
	capacity map[string][]capacitySample

	hourly  map[time.Time]map[Key]*Usage
	daily   map[time.Time]map[Key]*Usage
	monthly map[time.Time]map[Key]*Usage
}

func NewMemStore(logger hclog.Logger) *MemStore {
	return &MemStore{
		logger:   logger.Named("acct"),
		jobs:     make(map[uint64]*JobRecord),
		steps:    make(map[uint64][]*StepRecord),
		capacity: make(map[string][]capacitySample),
		hourly:   make(map[time.Time]map[Key]*Usage),
		daily:    make(map[time.Time]map[Key]*Usage),
		monthly:  make(map[time.Time]map[Key]*Usage),
	}
}

func (m *MemStore) AddJobStart(rec *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.jobs[rec.JobID] = &cp
	return nil
}

func (m *MemStore) AddJobSuspend(rec *SuspendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// An end report closes the matching open interval.
	if !rec.End.IsZero() {
		for i := len(m.suspends) - 1; i >= 0; i-- {
			s := m.suspends[i]
			if s.JobID == rec.JobID && s.End.IsZero() {
				s.End = rec.End
				return nil
			}
		}
	}
	cp := *rec
	m.suspends = append(m.suspends, &cp)
	return nil
}

func (m *MemStore) AddJobEnd(rec *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[rec.JobID]; ok {
		existing.EndTime = rec.EndTime
		existing.State = rec.State
		existing.ExitCode = rec.ExitCode
		return nil
	}
	cp := *rec
	m.jobs[rec.JobID] = &cp
	return nil
}

func (m *MemStore) AddStepStart(rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.steps[rec.JobID] = append(m.steps[rec.JobID], &cp)
	return nil
}

func (m *MemStore) AddStepComplete(rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps[rec.JobID] {
		if s.StepID == rec.StepID {
			s.EndTime = rec.EndTime
			s.ExitCode = rec.ExitCode
			s.UserCPUSecs = rec.UserCPUSecs
			s.SysCPUSecs = rec.SysCPUSecs
			s.MaxRSSKB = rec.MaxRSSKB
			return nil
		}
	}
	cp := *rec
	m.steps[rec.JobID] = append(m.steps[rec.JobID], &cp)
	return nil
}

func (m *MemStore) AddNodeEvent(rec *NodeEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !rec.End.IsZero() {
		for i := len(m.events) - 1; i >= 0; i-- {
			e := m.events[i]
			if e.Node == rec.Node && e.End.IsZero() {
				e.End = rec.End
				return nil
			}
		}
	}
	cp := *rec
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemStore) AddReservation(rec *ReservationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resvs {
		if r.ID == rec.ID && r.Cluster == rec.Cluster {
			*r = *rec
			r.Assocs = append([]string(nil), rec.Assocs...)
			return nil
		}
	}
	cp := *rec
	cp.Assocs = append([]string(nil), rec.Assocs...)
	m.resvs = append(m.resvs, &cp)
	return nil
}

func (m *MemStore) AddClusterCapacity(cluster string, cpus uint32, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity[cluster] = append(m.capacity[cluster], capacitySample{cpus: cpus, t: t})
	return nil
}

// Hourly returns the aggregate row for one hour, or nil.
func (m *MemStore) Hourly(hourStart time.Time, key Key) *Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupRow(m.hourly, hourStart.Truncate(time.Hour), key)
}

// Daily returns the aggregate row for one day, or nil.
func (m *MemStore) Daily(dayStart time.Time, key Key) *Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupRow(m.daily, dayStart, key)
}

// Monthly returns the aggregate row for one month, or nil.
func (m *MemStore) Monthly(monthStart time.Time, key Key) *Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookupRow(m.monthly, monthStart, key)
}

func lookupRow(table map[time.Time]map[Key]*Usage, at time.Time, key Key) *Usage {
	rows, ok := table[at.UTC()]
	if !ok {
		return nil
	}
	u, ok := rows[key]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// RunHourlyRollup recomputes the rows for [hourStart, hourStart+1h) from
// the raw records. The result replaces any previous rows for the hour,
// making repeated runs idempotent.
func (m *MemStore) RunHourlyRollup(hourStart time.Time) error {
	defer metrics.MeasureSince([]string{"quarry", "acct", "rollup", "hourly"}, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	h := hourStart.UTC().Truncate(time.Hour)
	hEnd := h.Add(time.Hour)
	rows := make(map[Key]*Usage)
	row := func(k Key) *Usage {
		u, ok := rows[k]
		if !ok {
			u = &Usage{}
			rows[k] = u
		}
		return u
	}

	for _, cluster := range m.clusters() {
		cpus := m.cpusDuring(cluster, hEnd)
		total := int64(cpus) * 3600
		cRow := row(Key{Cluster: cluster})
		cRow.CPUCount = cpus

		// Node availability intervals.
		for _, e := range m.events {
			if e.Cluster != cluster {
				continue
			}
			secs := overlapSecs(e.Start, e.End, h, hEnd) * int64(e.CPUs)
			if secs == 0 {
				continue
			}
			if e.Maint {
				cRow.PlannedDownSecs += secs
			} else {
				cRow.DownSecs += secs
			}
		}
		if cRow.DownSecs > total {
			cRow.DownSecs = total
		}
		if cRow.PlannedDownSecs > total {
			cRow.PlannedDownSecs = total
		}

		// Reservations.
		resvUnused := make(map[*ReservationRecord]int64)
		for _, r := range m.resvs {
			if r.Cluster != cluster {
				continue
			}
			secs := overlapSecs(r.Start, r.End, h, hEnd) * int64(r.CPUs)
			if secs == 0 {
				continue
			}
			cRow.ReservedSecs += secs
			if r.Maint {
				cRow.PlannedDownSecs += secs
			}
			resvUnused[r] = secs
		}

		// Jobs: run time to alloc, queued time to reserved.
		for _, j := range m.sortedJobs() {
			if j.Cluster != cluster {
				continue
			}
			runSecs := overlapSecs(j.StartTime, j.EndTime, h, hEnd)
			for _, s := range m.suspends {
				if s.JobID == j.JobID {
					runSecs -= overlapSecs(s.Start, s.End, h, hEnd)
				}
			}
			if runSecs < 0 {
				runSecs = 0
			}
			alloc := runSecs * int64(j.AllocCPUs)
			cRow.AllocSecs += alloc
			if j.Assoc != "" {
				row(Key{Cluster: cluster, Assoc: j.Assoc}).AllocSecs += alloc
				if m.TrackWCKey && j.WCKey != "" {
					row(Key{Cluster: cluster, Assoc: j.Assoc, WCKey: j.WCKey}).AllocSecs += alloc
				}
			}

			// Eligible but not yet started.
			queueEnd := j.StartTime
			if queueEnd.IsZero() {
				queueEnd = hEnd
			}
			if !j.EligibleTime.IsZero() {
				cRow.ReservedSecs += overlapSecs(j.EligibleTime, queueEnd, h, hEnd) * int64(j.AllocCPUs)
			}

			// Time run inside a reservation counts against its unused pool.
			if j.Reservation != "" && runSecs > 0 {
				for r, left := range resvUnused {
					if r.Name != j.Reservation {
						continue
					}
					used := runSecs * int64(j.AllocCPUs)
					if used > left {
						used = left
					}
					resvUnused[r] = left - used
				}
			}
		}

		// Unused reserved time is credited to the reservation's
		// associations; they held the right to run there.
		for r, unused := range resvUnused {
			if unused <= 0 || len(r.Assocs) == 0 {
				continue
			}
			share := unused / int64(len(r.Assocs))
			for _, assoc := range r.Assocs {
				row(Key{Cluster: cluster, Assoc: assoc}).AllocSecs += share
			}
		}

		idle := total - cRow.AllocSecs - cRow.DownSecs - cRow.PlannedDownSecs - cRow.ReservedSecs
		if idle < 0 {
			cRow.OverSecs = -idle
			idle = 0
		}
		cRow.IdleSecs = idle
	}

	m.hourly[h] = rows
	return nil
}

// RunDailyRollup sums the day's 24 hourly rows.
func (m *MemStore) RunDailyRollup(dayStart time.Time) error {
	defer metrics.MeasureSince([]string{"quarry", "acct", "rollup", "daily"}, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	d := dayStart.UTC().Truncate(24 * time.Hour)
	rows := make(map[Key]*Usage)
	for i := 0; i < 24; i++ {
		for k, u := range m.hourly[d.Add(time.Duration(i)*time.Hour)] {
			if _, ok := rows[k]; !ok {
				rows[k] = &Usage{}
			}
			rows[k].add(u)
		}
	}
	m.daily[d] = rows
	return nil
}

// RunMonthlyRollup sums the daily rows of the calendar month.
func (m *MemStore) RunMonthlyRollup(monthStart time.Time) error {
	defer metrics.MeasureSince([]string{"quarry", "acct", "rollup", "monthly"}, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	t := monthStart.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	next := first.AddDate(0, 1, 0)
	rows := make(map[Key]*Usage)
	for d := first; d.Before(next); d = d.AddDate(0, 0, 1) {
		for k, u := range m.daily[d] {
			if _, ok := rows[k]; !ok {
				rows[k] = &Usage{}
			}
			rows[k].add(u)
		}
	}
	m.monthly[first] = rows
	return nil
}

// cpusDuring returns the most recent capacity sample at or before t.
func (m *MemStore) cpusDuring(cluster string, t time.Time) uint32 {
	var cpus uint32
	var at time.Time
	for _, s := range m.capacity[cluster] {
		if s.t.After(t) {
			continue
		}
		if at.IsZero() || s.t.After(at) {
			cpus = s.cpus
			at = s.t
		}
	}
	return cpus
}

func (m *MemStore) clusters() []string {
	seen := make(map[string]struct{})
	for c := range m.capacity {
		seen[c] = struct{}{}
	}
	for _, j := range m.jobs {
		seen[j.Cluster] = struct{}{}
	}
	for _, e := range m.events {
		seen[e.Cluster] = struct{}{}
	}
	var out []string
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (m *MemStore) sortedJobs() []*JobRecord {
	out := make([]*JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
