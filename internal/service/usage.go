package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/repository"
	"github.com/copypaste/relay-server-go/internal/sse"
)

const writeTimeout = 5 * time.Second

// UsageService records anonymous activity counters off the hot path. Record
// enqueues and returns; a single worker persists to Postgres, when
// configured, and publishes to the admin activity stream.
type UsageService struct {
	repo   repository.UsageRepository
	broker *sse.Broker

	queue     chan model.CreateUsageEventParams
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewUsageService accepts a nil repository or broker for whichever sink is
// not configured.
func NewUsageService(repo repository.UsageRepository, broker *sse.Broker, queueSize int) *UsageService {
	return &UsageService{
		repo:   repo,
		broker: broker,
		queue:  make(chan model.CreateUsageEventParams, queueSize),
		done:   make(chan struct{}),
	}
}

func (s *UsageService) Record(eventType model.UsageEventType, kind model.TokenKind) {
	params := model.CreateUsageEventParams{
		Type:      eventType,
		CreatedAt: time.Now(),
	}
	if kind != "" {
		k := string(kind)
		params.TokenKind = &k
	}

	select {
	case s.queue <- params:
	default:
		log.Warn().Str("type", string(eventType)).Msg("usage queue full, dropping event")
	}
}

func (s *UsageService) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
		log.Info().Msg("usage recorder started")
	})
}

// Stop flushes what is already queued and waits for the worker.
func (s *UsageService) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		log.Info().Msg("usage recorder stopped")
	})
}

func (s *UsageService) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			for {
				select {
				case params := <-s.queue:
					s.write(params)
				default:
					return
				}
			}
		case params := <-s.queue:
			s.write(params)
		}
	}
}

func (s *UsageService) write(params model.CreateUsageEventParams) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if s.repo != nil {
		if _, err := s.repo.Create(ctx, params); err != nil {
			log.Error().Err(err).Str("type", string(params.Type)).Msg("failed to store usage event")
		}
	}

	if s.broker != nil {
		data, err := json.Marshal(map[string]any{
			"tokenKind": params.TokenKind,
			"at":        params.CreatedAt.UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := s.broker.Publish(ctx, sse.Event{Type: string(params.Type), Data: data}); err != nil {
			log.Warn().Err(err).Str("type", string(params.Type)).Msg("failed to publish activity event")
		}
	}
}

// CountSince returns persisted counts per event type, or nil without Postgres.
func (s *UsageService) CountSince(ctx context.Context, since time.Time) ([]model.UsageCount, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.CountSince(ctx, since)
}

// PurgeOlderThan returns a cleanup task that enforces the retention window.
func (s *UsageService) PurgeOlderThan(retention time.Duration) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		if s.repo == nil {
			return 0, nil
		}
		return s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	}
}
