package memory

import (
	"context"
	"time"

	"github.com/memvra/mnemos/internal/errs"
)

// Maintenance stage names.
const (
	StageDecayStrength     = "decay_strength"
	StageDecayAssociations = "decay_associations"
	StageDecayHeat         = "decay_heat"
	StagePruneAccessLog    = "prune_access_log"
	StagePurgeExpired      = "purge_expired"
)

// MaintainOptions tunes one maintenance sweep. Zero values take defaults;
// PurgeExpiredAfter of zero leaves expired memories in place.
type MaintainOptions struct {
	AssociationMaxAgeDays float64
	HeatHalfLifeDays      float64
	AccessLogRetention    time.Duration
	PurgeExpiredAfter     time.Duration
	DryRun                bool
}

// DefaultMaintainOptions returns the sweep used by the maintain command.
func DefaultMaintainOptions() MaintainOptions {
	return MaintainOptions{
		AssociationMaxAgeDays: 30,
		HeatHalfLifeDays:      DefaultHeatHalfLife,
		AccessLogRetention:    30 * 24 * time.Hour,
	}
}

// MaintainReport reports a sweep. Failed stages are listed in StageErrors
// and do not stop the stages after them.
type MaintainReport struct {
	StrengthsUpdated int                `json:"strengths_updated"`
	Associations     DecayReport        `json:"associations"`
	HotPaths         DecayReport        `json:"hot_paths"`
	AccessLogPruned  int                `json:"access_log_pruned"`
	Purged           DeleteResult       `json:"purged"`
	DryRun           bool               `json:"dry_run"`
	StageErrors      []*errs.StageError `json:"stage_errors,omitempty"`
}

// Maintain runs the periodic decay and cleanup passes for the namespace.
// A dry run only reports which expired memories would be purged.
func (s *Service) Maintain(ctx context.Context, opts MaintainOptions) (MaintainReport, error) {
	def := DefaultMaintainOptions()
	if opts.AssociationMaxAgeDays <= 0 {
		opts.AssociationMaxAgeDays = def.AssociationMaxAgeDays
	}
	if opts.HeatHalfLifeDays <= 0 {
		opts.HeatHalfLifeDays = def.HeatHalfLifeDays
	}
	if opts.AccessLogRetention <= 0 {
		opts.AccessLogRetention = def.AccessLogRetention
	}

	rep := MaintainReport{DryRun: opts.DryRun}
	run := func(stage string, fn func() error) {
		if err := ctx.Err(); err != nil {
			rep.StageErrors = append(rep.StageErrors, errs.Partial(stage, err))
			return
		}
		if err := fn(); err != nil {
			rep.StageErrors = append(rep.StageErrors, errs.Partial(stage, err))
			s.log.Warn("maintenance stage failed", "stage", stage, "err", err)
		}
	}

	if !opts.DryRun {
		run(StageDecayStrength, func() (err error) {
			rep.StrengthsUpdated, err = s.Strength.DecayStrengths(ctx, s.Namespace)
			return err
		})
		run(StageDecayAssociations, func() (err error) {
			rep.Associations, err = s.Strength.DecayAssociations(ctx, s.Namespace, opts.AssociationMaxAgeDays)
			return err
		})
		run(StageDecayHeat, func() (err error) {
			rep.HotPaths, err = s.Spatial.DecayHeat(ctx, s.Namespace, opts.HeatHalfLifeDays)
			return err
		})
		run(StagePruneAccessLog, func() (err error) {
			rep.AccessLogPruned, err = s.Spatial.PruneAccessLog(ctx, s.Namespace, opts.AccessLogRetention)
			return err
		})
	}
	if opts.PurgeExpiredAfter > 0 {
		run(StagePurgeExpired, func() (err error) {
			rep.Purged, err = s.Store.PurgeExpired(ctx, s.Namespace, opts.PurgeExpiredAfter, opts.DryRun)
			return err
		})
	}

	s.log.Info("maintenance complete",
		"strengths", rep.StrengthsUpdated,
		"edges_weakened", rep.Associations.Weakened,
		"edges_removed", rep.Associations.Removed,
		"paths_cooled", rep.HotPaths.Weakened,
		"purged", rep.Purged.Count,
		"failed_stages", len(rep.StageErrors))
	return rep, nil
}
