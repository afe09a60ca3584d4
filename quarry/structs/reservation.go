// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-set/v3"
)

// Reservation flags.
type ResvFlags uint32

const (
	ResvFlagMaint ResvFlags = 1 << iota
	ResvFlagOverlap
	ResvFlagIgnoreJobs
	ResvFlagDaily
	ResvFlagWeekly
	ResvFlagStaticAlloc
	ResvFlagAnyNodes
)

func (f ResvFlags) Has(flag ResvFlags) bool { return f&flag != 0 }

// Daily and weekly reservations re-materialize on these cron schedules,
// anchored to the template's start-of-day time.
var (
	dailyCron  = cronexpr.MustParse("@daily")
	weeklyCron = cronexpr.MustParse("@weekly")
)

// Reservation carves nodes out of normal scheduling during [Start, End).
// Periodic reservations act as templates; concrete instances are
// materialized on a rolling horizon, each with a distinct ID.
type Reservation struct {
	Name string
	ID   uint32

	Start time.Time
	End   time.Time
	Flags ResvFlags

	Nodes     Bitmap
	NodeNames []string
	CPUCount  uint32

	Users    []string
	Accounts []string

	// TemplateName links a materialized instance back to its periodic
	// template; empty for one-shot reservations and templates themselves.
	TemplateName string

	CreateTime time.Time
}

// ActiveAt reports whether the reservation covers time t.
func (r *Reservation) ActiveAt(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Periodic reports whether this record is a re-materializing template.
func (r *Reservation) Periodic() bool {
	return r.Flags.Has(ResvFlagDaily) || r.Flags.Has(ResvFlagWeekly)
}

// NextOccurrence returns the start of the first instance after t.
func (r *Reservation) NextOccurrence(t time.Time) time.Time {
	if r.Flags.Has(ResvFlagDaily) {
		next := dailyCron.Next(t)
		return next.Add(r.Start.Sub(r.Start.Truncate(24 * time.Hour)))
	}
	if r.Flags.Has(ResvFlagWeekly) {
		return weeklyCron.Next(t)
	}
	return time.Time{}
}

// Materialize produces a concrete instance of a periodic template
// starting at start, carrying the template's node set and access lists.
func (r *Reservation) Materialize(start time.Time, id uint32) *Reservation {
	inst := r.Copy()
	inst.ID = id
	inst.TemplateName = r.Name
	inst.Start = start
	inst.End = start.Add(r.End.Sub(r.Start))
	inst.Flags &^= ResvFlagDaily | ResvFlagWeekly
	return inst
}

// Allows reports whether the given user/account pair may run inside the
// reservation. An empty access list admits everyone.
func (r *Reservation) Allows(user, account string) bool {
	if len(r.Users) == 0 && len(r.Accounts) == 0 {
		return true
	}
	return set.From(r.Users).Contains(user) || set.From(r.Accounts).Contains(account)
}

func (r *Reservation) Validate() error {
	if r.Name == "" {
		return NewInvalidRequestError("missing reservation name")
	}
	if !r.End.After(r.Start) {
		return NewInvalidRequestError("reservation %s ends before it starts", r.Name)
	}
	return nil
}

func (r *Reservation) Copy() *Reservation {
	if r == nil {
		return nil
	}
	out := *r
	out.Nodes = r.Nodes.Copy()
	out.NodeNames = append([]string(nil), r.NodeNames...)
	out.Users = append([]string(nil), r.Users...)
	out.Accounts = append([]string(nil), r.Accounts...)
	return &out
}
