package battle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codeduel-backend/internal/events"
	"codeduel-backend/internal/languages"
	"codeduel-backend/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SubmitRequest struct {
	UserID   string `json:"-"`
	BattleID string `json:"-"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Submit records a submission against a running battle and hands it to the
// judge. The verdict arrives later through RecordJudgement.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if strings.TrimSpace(req.Language) == "" {
		return nil, invalidArgument("language is required")
	}
	language, ok := languages.Normalize(req.Language)
	if !ok {
		return nil, invalidArgument("unsupported language %q", req.Language)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, invalidArgument("code is required")
	}

	unlock := c.locks.Lock(req.BattleID)
	defer unlock()

	sub := Submission{
		ID:          uuid.NewString(),
		BattleID:    req.BattleID,
		UserID:      req.UserID,
		Language:    language,
		Code:        req.Code,
		SubmittedAt: c.clock.Now().UTC(),
	}

	s, err := c.sessions.Update(ctx, req.BattleID, func(s *Session) error {
		p, ok := s.Participant(req.UserID)
		if !ok {
			return ErrParticipantNotFound
		}
		if s.Status != StatusInProgress {
			return fmt.Errorf("cannot submit while %s: %w", s.Status, ErrInvalidState)
		}
		p.LastSubmissionID = sub.ID
		sub.ProblemID = s.ProblemID
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, s, events.SubmissionReceived, map[string]any{
		"user_id":       req.UserID,
		"submission_id": sub.ID,
		"language":      sub.Language,
	})

	if c.judge != nil {
		if err := c.judge.Dispatch(ctx, sub); err != nil {
			c.logger.Error("[SUBMIT] failed to dispatch submission for judging",
				logging.Battle(req.BattleID), zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}

	c.logger.Info("[SUBMIT] submission received",
		logging.Battle(req.BattleID), logging.User(req.UserID),
		zap.String("submission_id", sub.ID), zap.String("language", sub.Language))
	return &sub, nil
}

// RecordJudgement stores a verdict. A submission that passes every test ends
// the battle immediately.
func (c *Coordinator) RecordJudgement(ctx context.Context, sub Submission, v Verdict) (*Session, error) {
	unlock := c.locks.Lock(sub.BattleID)

	var solved bool
	s, err := c.sessions.Update(ctx, sub.BattleID, func(s *Session) error {
		solved = false
		if s.Status.Terminal() {
			return ErrAlreadyEnded
		}
		if s.Status != StatusInProgress {
			return fmt.Errorf("battle has not started: %w", ErrInvalidState)
		}
		p, ok := s.Participant(sub.UserID)
		if !ok {
			return ErrParticipantNotFound
		}
		p.HasSubmitted = true
		if v.Passed > p.Score {
			p.Score = v.Passed
		}
		p.LastSubmissionID = sub.ID
		solved = v.Solved()
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	score := 0
	if p, ok := s.Participant(sub.UserID); ok {
		score = p.Score
	}
	c.publish(ctx, s, events.SubmissionJudged, map[string]any{
		"user_id":       sub.UserID,
		"submission_id": sub.ID,
		"passed":        v.Passed,
		"total":         v.Total,
		"time_ms":       v.TimeMs,
		"mem_kb":        v.MemKb,
		"error":         v.Error,
		"score":         score,
	})
	unlock()

	if !solved {
		return s, nil
	}

	c.logger.Info("[SUBMIT] full solve, ending battle",
		logging.Battle(sub.BattleID), logging.User(sub.UserID))
	ended, err := c.EndBattleByScore(ctx, sub.BattleID)
	if errors.Is(err, ErrAlreadyEnded) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	return ended, nil
}
