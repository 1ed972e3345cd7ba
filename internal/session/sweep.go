package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/clock"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
)

// Sweeper is the authoritative time-based transition driver. Every rule
// re-states its condition in the conditional update it fires, so a row
// that a client, the delayed task, or a previous sweep already resolved
// is skipped structurally, not by bookkeeping.
type Sweeper struct {
	repo           Repository
	text           *TextService
	call           *CallService
	delay          redisclient.DelayQueue
	responseWindow time.Duration
	grace          time.Duration
	now            clock.Clock
	log            *zap.Logger
}

func NewSweeper(repo Repository, text *TextService, call *CallService, delay redisclient.DelayQueue, responseWindow, grace time.Duration, now clock.Clock, log *zap.Logger) *Sweeper {
	return &Sweeper{
		repo:           repo,
		text:           text,
		call:           call,
		delay:          delay,
		responseWindow: responseWindow,
		grace:          grace,
		now:            now,
		log:            log,
	}
}

// Run executes one sweep pass. Individual failures are logged and do
// not stop the pass; the next pass retries whatever is still due.
func (s *Sweeper) Run(ctx context.Context) {
	s.fireDuePromotions(ctx)
	s.expireWaitingText(ctx)
	s.endOverrunText(ctx)
	s.promoteStalledCalls(ctx)
	s.endOverrunCalls(ctx)
}

// fireDuePromotions drains the delayed-task queue. The queue is a
// latency optimization over the scan in promoteStalledCalls.
func (s *Sweeper) fireDuePromotions(ctx context.Context) {
	due, err := s.delay.PopDue(ctx, s.now(), 200)
	if err != nil {
		s.log.Warn("poll delayed promotions failed", zap.Error(err))
		return
	}
	for _, member := range due {
		id, ok := ParsePromoteTask(member)
		if !ok {
			s.log.Warn("unrecognized delayed task", zap.String("member", member))
			continue
		}
		if err := s.call.PromoteDueCall(ctx, id); err != nil {
			s.log.Warn("delayed promotion failed",
				zap.String("session_id", id.String()),
				zap.Error(err))
		}
	}
}

func (s *Sweeper) expireWaitingText(ctx context.Context) {
	now := s.now()

	expired, err := s.repo.FindDeadlineExpiredText(ctx, now)
	if err != nil {
		s.log.Warn("scan deadline-expired text sessions failed", zap.Error(err))
	}
	for _, ts := range expired {
		res, err := s.repo.ExpireTextSession(ctx, ts.ID, now)
		if err != nil {
			s.log.Warn("expire text session failed",
				zap.String("session_id", ts.ID.String()),
				zap.Error(err))
			continue
		}
		if res.Applied {
			s.log.Info("text session expired, doctor response deadline passed",
				zap.String("session_id", ts.ID.String()))
		}
	}

	cutoff := now.Add(-s.responseWindow)
	stalled, err := s.repo.FindStalledWaitingText(ctx, cutoff)
	if err != nil {
		s.log.Warn("scan stalled waiting text sessions failed", zap.Error(err))
	}
	for _, ts := range stalled {
		res, err := s.repo.ExpireStalledTextSession(ctx, ts.ID, cutoff, now)
		if err != nil {
			s.log.Warn("expire stalled text session failed",
				zap.String("session_id", ts.ID.String()),
				zap.Error(err))
			continue
		}
		if res.Applied {
			s.log.Info("text session expired, no message within window",
				zap.String("session_id", ts.ID.String()))
		}
	}
}

func (s *Sweeper) endOverrunText(ctx context.Context) {
	overrun, err := s.repo.FindOverrunActiveText(ctx, s.now())
	if err != nil {
		s.log.Warn("scan overrun text sessions failed", zap.Error(err))
		return
	}
	for _, ts := range overrun {
		if _, err := s.text.AutoEndTextSession(ctx, ts.ID, EndReasonTimeExhausted); err != nil {
			s.log.Warn("auto-end text session failed",
				zap.String("session_id", ts.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *Sweeper) promoteStalledCalls(ctx context.Context) {
	cutoff := s.now().Add(-s.grace)
	stalled, err := s.repo.FindStalledAnsweredCalls(ctx, cutoff)
	if err != nil {
		s.log.Warn("scan stalled answered calls failed", zap.Error(err))
		return
	}
	for _, cs := range stalled {
		if err := s.call.PromoteDueCall(ctx, cs.ID); err != nil {
			s.log.Warn("sweep promotion failed",
				zap.String("session_id", cs.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *Sweeper) endOverrunCalls(ctx context.Context) {
	overrun, err := s.repo.FindOverrunActiveCalls(ctx, s.now())
	if err != nil {
		s.log.Warn("scan overrun calls failed", zap.Error(err))
		return
	}
	for _, cs := range overrun {
		if _, err := s.call.AutoEndCall(ctx, cs.ID, EndReasonTimeExhausted); err != nil {
			s.log.Warn("auto-end call failed",
				zap.String("session_id", cs.ID.String()),
				zap.Error(err))
		}
	}
}
