// Package seed turns configured sources into first-page crawl tasks, at
// startup and again on each source's cron schedule. Every scheduled firing
// bumps the epoch so fingerprints finished in an earlier generation are
// admitted again.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// Source is one configured crawl target.
type Source struct {
	// Name identifies the source in records, runs, and events.
	Name string
	// Type selects the extractor.
	Type indexer.SourceType
	// URL is the first catalog page.
	URL string
	// Priority orders this source's tasks against others; higher wins.
	Priority int
	// Schedule is a cron expression for recurring re-seeds; empty seeds at
	// startup only.
	Schedule string
	// Rules and the pagination fields are passed through on every task.
	Rules       indexer.ExtractRules
	Category    string
	Currency    string
	MaxPages    int
	URLTemplate string
	PageParam   string
	Headers     map[string]string
}

func (s Source) payload() indexer.TaskPayload {
	return indexer.TaskPayload{
		Type:        s.Type,
		Category:    s.Category,
		Currency:    s.Currency,
		MaxPages:    s.MaxPages,
		URLTemplate: s.URLTemplate,
		PageParam:   s.PageParam,
		Headers:     s.Headers,
		Rules:       s.Rules,
	}
}

// Validate rejects sources the pipeline cannot act on.
func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.URL == "" {
		return fmt.Errorf("source %s: url is required", s.Name)
	}
	switch s.Type {
	case indexer.SourceTypeJSONAPI, indexer.SourceTypeHTML:
	default:
		return fmt.Errorf("source %s: unknown type %q", s.Name, s.Type)
	}
	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			return fmt.Errorf("source %s: bad schedule %q: %w", s.Name, s.Schedule, err)
		}
	}
	return nil
}

// pusher is the slice of the frontier the Seeder needs.
type pusher interface {
	Push(ctx context.Context, task indexer.Task, now time.Time) (bool, error)
}

// Seeder owns the source catalog and its schedules.
type Seeder struct {
	sources []Source
	queue   pusher
	emitter events.Emitter
	clock   indexer.Clock
	logger  *zap.Logger
	cron    *cron.Cron
}

// New builds a Seeder over a validated source catalog.
func New(sources []Source, queue pusher, emitter events.Emitter, clock indexer.Clock, logger *zap.Logger) (*Seeder, error) {
	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Seeder{
		sources: sources,
		queue:   queue,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// SeedAll pushes one first-page task per source at the given epoch. Pushes
// rejected by admission are idempotent no-ops, so calling it twice with the
// same epoch is harmless.
func (s *Seeder) SeedAll(ctx context.Context, epoch int64) (int, error) {
	queued := 0
	for _, src := range s.sources {
		ok, err := s.seedSource(ctx, src, epoch)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	s.logger.Info("sources seeded",
		zap.Int64("epoch", epoch),
		zap.Int("queued", queued),
		zap.Int("sources", len(s.sources)))
	return queued, nil
}

func (s *Seeder) seedSource(ctx context.Context, src Source, epoch int64) (bool, error) {
	url := indexer.PageURL(src.URL, src.payload(), 1)
	task := indexer.NewTask(src.Name, epoch, src.Priority, 1, url, src.payload())
	now := s.clock.Now()
	ok, err := s.queue.Push(ctx, task, now)
	if err != nil {
		return false, fmt.Errorf("seed source %s: %w", src.Name, err)
	}
	if !ok {
		s.logger.Debug("seed already admitted",
			zap.String("source", src.Name), zap.Int64("epoch", epoch))
		return false, nil
	}
	s.emitter.Emit(events.Event{
		Source: src.Name,
		Epoch:  epoch,
		Kind:   events.KindSeeded,
		Host:   task.Host,
		URL:    task.URL,
		At:     now,
	})
	return true, nil
}

// Start registers every scheduled source with the cron runner and begins
// firing. The epoch of a scheduled re-seed is the firing time in UTC unix
// seconds, so restarts within the same second reproduce the same epoch.
func (s *Seeder) Start(ctx context.Context) error {
	for _, src := range s.sources {
		if src.Schedule == "" {
			continue
		}
		src := src
		if _, err := s.cron.AddFunc(src.Schedule, func() {
			epoch := s.clock.Now().UTC().Unix()
			if _, err := s.seedSource(ctx, src, epoch); err != nil {
				s.logger.Error("scheduled re-seed failed",
					zap.String("source", src.Name), zap.Error(err))
			} else {
				s.logger.Info("source re-seeded",
					zap.String("source", src.Name), zap.Int64("epoch", epoch))
			}
		}); err != nil {
			return fmt.Errorf("schedule source %s: %w", src.Name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any in-progress firing.
func (s *Seeder) Stop() {
	<-s.cron.Stop().Done()
}

// Sources returns the catalog, for the status API.
func (s *Seeder) Sources() []Source {
	return s.sources
}
