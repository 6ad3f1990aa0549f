// Package approval implements the operator review state machine. Every
// successful transition and its audit record commit in one transaction.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

// OverrideRequest carries replacement content. At least one of Title and
// Body must be set.
type OverrideRequest struct {
	Title  *string `json:"new_title"`
	Body   *string `json:"new_body"`
	Reason string  `json:"reason"`
}

// ItemResult is the outcome of one id in a bulk approval.
type ItemResult struct {
	RecommendationID string `json:"recommendation_id"`
	Success          bool   `json:"success"`
	Message          string `json:"message"`
}

// BulkResult summarises a bulk approval. Failed items are not errors.
type BulkResult struct {
	Approved int          `json:"approved"`
	Failed   int          `json:"failed"`
	Items    []ItemResult `json:"items"`
}

// Service applies operator actions.
type Service struct {
	db  *database.DB
	log *logger.Logger
	now func() time.Time
}

func NewService(db *database.DB, log *logger.Logger) *Service {
	return &Service{db: db, log: log.With("component", "approval"), now: time.Now}
}

// Approve moves a pending or overridden recommendation to approved.
func (s *Service) Approve(ctx context.Context, id, operatorID string) (*database.Recommendation, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}
	var rec *database.Recommendation
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		rec, err = s.approve(ctx, tx, id, operatorID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("recommendation approved", "recommendation_id", id, "operator_id", operatorID)
	return rec, nil
}

// approve runs inside tx. strict limits the source state to pending_approval.
func (s *Service) approve(ctx context.Context, tx *database.Tx, id, operatorID string, strict bool) (*database.Recommendation, error) {
	rec, err := load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	allowed := rec.Status == database.StatusPendingApproval ||
		(!strict && rec.Status == database.StatusOverridden)
	if !allowed {
		return nil, apperr.InvalidTransition("cannot approve recommendation %s in status %s", id, rec.Status)
	}

	now := s.now()
	rec.Status = database.StatusApproved
	rec.ApprovedBy = &operatorID
	rec.ApprovedAt = &now
	if err := save(ctx, tx, rec, operatorID, database.ActionApprove, nil, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reject moves any recommendation that has not been approved to rejected.
func (s *Service) Reject(ctx context.Context, id, operatorID, reason string) (*database.Recommendation, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a rejection reason is required")
	}

	var rec *database.Recommendation
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		rec, err = load(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status == database.StatusApproved {
			return apperr.InvalidTransition("cannot reject recommendation %s: already approved", id)
		}
		now := s.now()
		rec.Status = database.StatusRejected
		rec.Metadata.RejectionReason = reason
		return save(ctx, tx, rec, operatorID, database.ActionReject, &reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("recommendation rejected", "recommendation_id", id, "operator_id", operatorID)
	return rec, nil
}

// Override replaces title and/or body. The first override snapshots the
// generated content; later overrides keep that snapshot.
func (s *Service) Override(ctx context.Context, id, operatorID string, req OverrideRequest) (*database.Recommendation, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("an override reason is required")
	}
	if req.Title == nil && req.Body == nil {
		return nil, apperr.Validation("override needs a new title or a new body")
	}

	var title, body string
	var notable []database.Warning
	if req.Title != nil {
		title = strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, apperr.Validation("new title must not be empty")
		}
	}
	if req.Body != nil {
		body = strings.TrimSpace(*req.Body)
		if body == "" {
			return nil, apperr.Validation("new body must not be empty")
		}
		warnings, err := guardrail.ValidateOverride(body)
		if err != nil {
			return nil, err
		}
		notable = warnings
		body = guardrail.AppendDisclosure(body)
	}

	var rec *database.Recommendation
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		rec, err = load(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now()
		if rec.OriginalContent == nil {
			rec.OriginalContent = &database.OriginalContent{
				OriginalTitle: rec.Title,
				OriginalBody:  rec.Body,
				OverriddenAt:  now,
			}
		}
		if req.Title != nil {
			rec.Title = title
		}
		if req.Body != nil {
			rec.Body = &body
			rec.Metadata.ValidationWarnings = notable
		}
		rec.OverrideReason = &reason
		rec.Status = database.StatusOverridden
		return save(ctx, tx, rec, operatorID, database.ActionOverride, &reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("recommendation overridden", "recommendation_id", id, "operator_id", operatorID,
		"title_changed", req.Title != nil, "body_changed", req.Body != nil)
	return rec, nil
}

// BulkApprove approves every pending id in one transaction. Each item runs in
// its own savepoint, so one failure never undoes the others.
func (s *Service) BulkApprove(ctx context.Context, ids []string, operatorID string) (*BulkResult, error) {
	if err := requireOperator(operatorID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.Validation("no recommendation ids given")
	}

	res := &BulkResult{Items: make([]ItemResult, 0, len(ids))}
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		for i, id := range ids {
			item := ItemResult{RecommendationID: id, Success: true, Message: "approved"}
			err := tx.Savepoint(ctx, fmt.Sprintf("bulk_%d", i), func() error {
				_, err := s.approve(ctx, tx, id, operatorID, true)
				return err
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				item.Success = false
				item.Message = err.Error()
				res.Failed++
			} else {
				res.Approved++
			}
			res.Items = append(res.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("bulk approval", "operator_id", operatorID, "approved", res.Approved, "failed", res.Failed)
	return res, nil
}

// History returns the audit trail of a recommendation, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]database.OperatorAction, error) {
	if _, err := s.db.GetRecommendation(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("recommendation %q not found", id)
		}
		return nil, err
	}
	return s.db.ActionsForRecommendation(ctx, id)
}

// ActionsForUser returns every audit record for a user's recommendations.
func (s *Service) ActionsForUser(ctx context.Context, userID string) ([]database.OperatorAction, error) {
	return s.db.ActionsForUser(ctx, userID)
}

func requireOperator(operatorID string) error {
	if strings.TrimSpace(operatorID) == "" {
		return apperr.Validation("operator id is required")
	}
	return nil
}

func load(ctx context.Context, tx *database.Tx, id string) (*database.Recommendation, error) {
	rec, err := tx.GetRecommendation(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("recommendation %q not found", id)
	}
	return rec, err
}

// save writes the new state and its audit record with the same timestamp.
func save(ctx context.Context, tx *database.Tx, rec *database.Recommendation, operatorID, action string, reason *string, at time.Time) error {
	if err := tx.UpdateRecommendation(ctx, rec); err != nil {
		return err
	}
	_, err := tx.InsertAction(ctx, &database.OperatorAction{
		OperatorID:       operatorID,
		ActionType:       action,
		RecommendationID: rec.ID,
		UserID:           rec.UserID,
		Reason:           reason,
		Timestamp:        at,
	})
	return err
}
