package engine

import (
	"database/sql"
	"fmt"
	"time"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/repo"
	"riskline/internal/risk"
)

// Engine owns the TRA lifecycle, the approval chain and the LMRA execution
// state machine. It performs no internal threading; callers sequence I/O.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) bands() risk.Bands {
	if e.Config != nil && len(e.Config.Risk.Bands.Ordered) > 0 {
		return e.Config.Risk.Bands
	}
	return risk.DefaultBands()
}

func (e Engine) categories() []string {
	if e.Config != nil {
		return e.Config.Categories()
	}
	return nil
}

// StateTransitionError indicates an illegal lifecycle or stage transition.
// It signals a caller bug and is never retried.
type StateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// traTransition is the allowed-transition table for TRA statuses. Archive
// is handled separately: any status may go to archived.
func traTransition(from, to string) error {
	if to == "archived" {
		return nil
	}
	switch from {
	case "draft":
		if to == "submitted" {
			return nil
		}
	case "submitted":
		if to == "in_review" {
			return nil
		}
	case "in_review":
		if to == "approved" || to == "rejected" {
			return nil
		}
	case "approved":
		if to == "active" {
			return nil
		}
	case "active":
		if to == "expired" {
			return nil
		}
	case "rejected":
		if to == "draft" {
			return nil
		}
	}
	return StateTransitionError{Entity: "tra", From: from, To: to}
}

// scoreHazards recomputes risk score and level for every hazard in place.
// Factor validation happens here too, so a stored score never disagrees with
// its factors.
func (e Engine) scoreHazards(steps []domain.TaskStep) error {
	bands := e.bands()
	for si := range steps {
		for hi := range steps[si].Hazards {
			h := &steps[si].Hazards[hi]
			score, err := risk.Compute(h.Effect, h.Exposure, h.Probability)
			if err != nil {
				return fmt.Errorf("step %d hazard %d: %w", steps[si].StepNumber, hi, err)
			}
			h.RiskScore = score
			h.RiskLevel = bands.LevelForScore(score)
			if h.Residual != nil {
				rs, err := risk.Compute(h.Residual.Effect, h.Residual.Exposure, h.Residual.Probability)
				if err != nil {
					return fmt.Errorf("step %d hazard %d residual: %w", steps[si].StepNumber, hi, err)
				}
				h.Residual.RiskScore = rs
				h.Residual.RiskLevel = bands.LevelForScore(rs)
			}
		}
	}
	return nil
}
