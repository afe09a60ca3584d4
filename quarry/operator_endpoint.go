// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/quarry/structs"
)

// Operator carries cluster-wide admin operations.
type Operator struct {
	srv *Server
}

// Reconfigure re-reads the configuration file and reconciles the node
// and partition tables. Changes to immutable settings (select type,
// state location) require a restart and are rejected.
func (o *Operator) Reconfigure(req *structs.ReconfigureRequest, resp *structs.ReconfigureResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "operator", "reconfigure"}, time.Now())
	if err := o.srv.checkRequest(req); err != nil {
		return err
	}
	if req.AuthUID != 0 {
		return fmt.Errorf("reconfigure is an operator action: %w", structs.ErrPermissionDenied)
	}
	if o.srv.configPath == "" {
		return structs.NewInvalidRequestError("controller started without a configuration file")
	}
	fresh, err := LoadConfig(o.srv.configPath)
	if err != nil {
		return err
	}
	if fresh.SelectType != o.srv.config.SelectType {
		return fmt.Errorf("%w: select_type cannot change without a restart", structs.ErrFatalConfig)
	}
	if fresh.StateSaveLocation != o.srv.config.StateSaveLocation {
		return fmt.Errorf("%w: state_save_location cannot change without a restart", structs.ErrFatalConfig)
	}
	if err := o.srv.applyConfig(fresh); err != nil {
		return err
	}
	o.srv.config = fresh
	o.srv.logger.Info("configuration reloaded", "path", o.srv.configPath)

	// Agents re-read their side of the configuration too. Best effort;
	// unreachable agents catch up at their next registration.
	var up []string
	for _, n := range o.srv.state.Nodes(nil) {
		if n.Up() {
			up = append(up, n.Name)
		}
	}
	go func() {
		if err := o.srv.agents.Reconfigure(up); err != nil {
			o.srv.logger.Warn("agent reconfigure incomplete", "error", err)
		}
	}()

	o.srv.kickScheduler()
	return nil
}
