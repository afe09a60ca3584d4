// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/acct"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Reservation is the reservation admin endpoint.
type Reservation struct {
	srv *Server
}

// Create registers a reservation. Periodic reservations (daily or
// weekly flags) are stored as templates; the horizon agent materializes
// concrete instances.
func (r *Reservation) Create(req *structs.ReservationCreateRequest, resp *structs.ReservationCreateResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "reservation", "create"}, time.Now())
	if err := r.srv.checkRequest(req); err != nil {
		return err
	}
	if req.AuthUID != 0 {
		return fmt.Errorf("reservation creation is an operator action: %w",
			structs.ErrPermissionDenied)
	}
	resv := req.Reservation
	if err := resv.Validate(); err != nil {
		return err
	}
	if err := r.srv.resolveReservationNodes(&resv); err != nil {
		return err
	}
	resv.ID = r.srv.state.NextResvID()
	resv.CreateTime = time.Now()

	stored, err := r.srv.state.UpsertReservation(&resv)
	if err != nil {
		return err
	}
	resp.ID = stored.ID

	if !stored.Periodic() {
		r.srv.recordReservation(stored)
	}
	r.srv.state.SyncReservationFlags(time.Now())
	r.srv.logger.Info("reservation created",
		"name", stored.Name, "id", stored.ID,
		"start", stored.Start, "end", stored.End, "nodes", len(stored.NodeNames))
	r.srv.kickScheduler()
	return nil
}

// Delete removes a reservation and any instances materialized from it.
func (r *Reservation) Delete(req *structs.ReservationDeleteRequest, resp *structs.ReservationDeleteResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "reservation", "delete"}, time.Now())
	if err := r.srv.checkRequest(req); err != nil {
		return err
	}
	if req.AuthUID != 0 {
		return fmt.Errorf("reservation deletion is an operator action: %w",
			structs.ErrPermissionDenied)
	}
	if err := r.srv.state.DeleteReservation(req.Name); err != nil {
		return err
	}
	for _, inst := range r.srv.state.Reservations() {
		if inst.TemplateName == req.Name {
			if err := r.srv.state.DeleteReservation(inst.Name); err != nil {
				r.srv.logger.Error("materialized instance delete failed",
					"name", inst.Name, "error", err)
			}
		}
	}
	r.srv.state.SyncReservationFlags(time.Now())
	r.srv.logger.Info("reservation deleted", "name", req.Name, "uid", req.AuthUID)
	r.srv.kickScheduler()
	return nil
}

// resolveReservationNodes fills the node bitmap from NodeNames, or
// selects CPUCount worth of idle nodes when the request names none.
func (s *Server) resolveReservationNodes(resv *structs.Reservation) error {
	if len(resv.NodeNames) == 0 && resv.CPUCount == 0 {
		return structs.NewInvalidRequestError(
			"reservation %s names no nodes and no cpu count", resv.Name)
	}
	b, err := structs.NewBitmap(s.state.NodeCount())
	if err != nil {
		return err
	}
	if len(resv.NodeNames) > 0 {
		var cpus uint32
		for _, name := range resv.NodeNames {
			node, err := s.state.NodeByName(name)
			if err != nil {
				return fmt.Errorf("reservation %s: %w", resv.Name, err)
			}
			b.Set(node.Index)
			c, _ := node.EffectiveResources(s.config.FastSchedule)
			cpus += c
		}
		resv.Nodes = b
		if resv.CPUCount == 0 {
			resv.CPUCount = cpus
		}
		return nil
	}

	// Pick idle nodes in canonical order until the cpu count is covered.
	nodes := s.state.Nodes(func(n *structs.Node) bool { return n.Idle() })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	var cpus uint32
	for _, node := range nodes {
		if cpus >= resv.CPUCount {
			break
		}
		b.Set(node.Index)
		resv.NodeNames = append(resv.NodeNames, node.Name)
		c, _ := node.EffectiveResources(s.config.FastSchedule)
		cpus += c
	}
	if cpus < resv.CPUCount {
		return fmt.Errorf("reservation %s needs %d cpus, %d idle: %w",
			resv.Name, resv.CPUCount, cpus, structs.ErrInsufficientResources)
	}
	resv.Nodes = b
	return nil
}

// recordReservation forwards a concrete reservation instance to
// accounting; unused reserved time is credited to its access lists.
func (s *Server) recordReservation(resv *structs.Reservation) {
	assocs := append([]string(nil), resv.Accounts...)
	if err := s.acctStore.AddReservation(&acct.ReservationRecord{
		Name:    resv.Name,
		ID:      resv.ID,
		Cluster: s.clusterName(),
		CPUs:    resv.CPUCount,
		Assocs:  assocs,
		Maint:   resv.Flags.Has(structs.ResvFlagMaint),
		Start:   resv.Start,
		End:     resv.End,
	}); err != nil {
		s.logger.Error("accounting reservation failed", "name", resv.Name, "error", err)
	}
}
