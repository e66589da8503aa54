package video

import (
	"context"
	"errors"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/jimeng"
)

const (
	pollStep       = 2 * time.Second
	maxAbsentWait  = 30 * time.Second
	maxRunningStep = 5
)

// poll reads the history record until it is terminal or the attempt
// budget runs out.
func (s *Seedance) poll(ctx context.Context, log *infra.Logger, sessionID, historyID string, started time.Time, report func(domain.Progress)) (*jimeng.HistoryRecord, error) {
	for n := 0; n < s.maxPolls; n++ {
		rec, err := s.api.GetHistory(ctx, sessionID, historyID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, domain.ErrTransport) {
				return nil, err
			}
			log.Warn().Err(err).Int("poll", n+1).Msg("seedance: poll failed")
			if err := s.sleep(ctx, pollStep*time.Duration(n+1)); err != nil {
				return nil, err
			}
			continue
		}

		if rec == nil {
			wait := min(pollStep*time.Duration(n+1), maxAbsentWait)
			log.Debug().Int("poll", n+1).Dur("wait", wait).Msg("seedance: history not visible yet")
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		elapsed := s.now().Sub(started)
		log.Debug().Int("poll", n+1).Int("status", int(rec.Status)).Dur("elapsed", elapsed).Msg("seedance: poll")

		switch int(rec.Status) {
		case jimeng.HistoryStatusFailed:
			if int(rec.FailCode) == domain.ContentFilterFailCode {
				return nil, &domain.ContentFilteredError{FailCode: int(rec.FailCode)}
			}
			return nil, &domain.GenerationFailedError{FailCode: int(rec.FailCode)}
		case jimeng.HistoryStatusRunning:
		default:
			if len(rec.ItemList) > 0 {
				return rec, nil
			}
		}

		report(domain.Progress{Stage: domain.StagePolling, Elapsed: elapsed})
		if err := s.sleep(ctx, pollStep*time.Duration(min(n+1, maxRunningStep))); err != nil {
			return nil, err
		}
	}
	return nil, &domain.TimeoutError{Attempts: s.maxPolls}
}
