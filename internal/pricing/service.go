package pricing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/money"
)

type Options struct {
	DefaultRate   money.Amount
	FallbackPrice money.Amount
	Currency      string
}

type Service struct {
	repo  Repository
	cache Cache
	opts  Options
	log   *zap.Logger
}

// NewService wires the pricing policy. cache may be nil.
func NewService(repo Repository, cache Cache, opts Options, log *zap.Logger) *Service {
	return &Service{repo: repo, cache: cache, opts: opts, log: log}
}

// HourlyRate returns the current rate, creating the setting on first use.
func (s *Service) HourlyRate(ctx context.Context) (money.Amount, error) {
	if s.cache != nil {
		rate, ok, err := s.cache.Rate(ctx)
		if err != nil {
			s.log.Warn("pricing cache read failed", zap.Error(err))
		} else if ok {
			return rate, nil
		}
	}

	setting, err := s.repo.Get(ctx, s.opts.DefaultRate, s.opts.Currency)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.SetRate(ctx, setting.HourlyRate); err != nil {
			s.log.Warn("pricing cache write failed", zap.Error(err))
		}
	}
	return setting.HourlyRate, nil
}

func (s *Service) Setting(ctx context.Context, actor auth.Actor) (*Setting, error) {
	if !actor.Elevated() {
		return nil, ErrSettingNotPermitted
	}
	return s.repo.Get(ctx, s.opts.DefaultRate, s.opts.Currency)
}

func (s *Service) UpdateHourlyRate(ctx context.Context, actor auth.Actor, rate money.Amount) (*Setting, error) {
	if !actor.Elevated() {
		return nil, ErrSettingNotPermitted
	}
	if rate <= 0 {
		return nil, ErrInvalidRate
	}

	setting, err := s.repo.Upsert(ctx, rate, s.opts.Currency, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("update hourly rate: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn("pricing cache invalidate failed", zap.Error(err))
		}
	}

	s.log.Info("hourly rate updated",
		zap.String("rate", setting.HourlyRate.String()),
		zap.String("updated_by", actor.UserID.String()),
		zap.Int64("version", setting.Version),
	)
	return setting, nil
}

// CalculatePrice prices a window at the hourly rate, pro rata to the second.
// A missing or empty window, or a failed rate lookup, yields the fallback price.
func (s *Service) CalculatePrice(ctx context.Context, w *Window) money.Amount {
	if w == nil || w.Duration() <= 0 {
		return s.opts.FallbackPrice
	}

	rate, err := s.HourlyRate(ctx)
	if err != nil {
		s.log.Warn("hourly rate unavailable, using fallback price",
			zap.String("fallback", s.opts.FallbackPrice.String()), zap.Error(err))
		return s.opts.FallbackPrice
	}

	return rate.MulRatio(int64(w.Duration().Seconds()), 3600)
}
