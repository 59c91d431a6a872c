package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// expiredSweepBatch bounds one garbage collection pass.
const expiredSweepBatch = 100

// jobRetention is how long terminal job rows are kept after creation.
const jobRetention = 7 * 24 * time.Hour

// Coarse progress checkpoints reported while a job runs.
const (
	progressClaimed   = 10
	progressAssembled = 60
	progressWritten   = 90
)

// Notifier delivers a finished artifact reference out of band. Email
// delivery uses it; the host wires the concrete sender.
type Notifier interface {
	ExportReady(ctx context.Context, job *Job, downloadURL string) error
}

// Worker claims pending export jobs, assembles their datasets through the
// analytics engine, and writes artifacts. Workers are independent: a
// failure in one job never affects another.
type Worker struct {
	store    Store
	engine   *analytics.Engine
	funnels  funnel.Store
	repo     analytics.Repository
	cache    *cache.Cache
	notifier Notifier
	cfg      *Config
	logger   *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorker creates an export worker. notifier may be nil when email
// delivery is not configured.
func NewWorker(store Store, engine *analytics.Engine, funnels funnel.Store, repo analytics.Repository,
	c *cache.Cache, notifier Notifier, cfg *Config, logger *slog.Logger,
) *Worker {
	return &Worker{
		store:    store,
		engine:   engine,
		funnels:  funnels,
		repo:     repo,
		cache:    c,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls for pending jobs until the context is cancelled or Close is
// called. It drains the queue on every tick.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

// Close stops the polling loop and waits for the in-flight job to finish.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.store.ClaimNext(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to claim export job", slog.String("error", err.Error()))

			return
		}

		if job == nil {
			return
		}

		w.process(ctx, job)
	}
}

// process runs one claimed job to a terminal state.
func (w *Worker) process(ctx context.Context, job *Job) {
	w.logger.InfoContext(ctx, "Processing export job",
		slog.String("export_id", FormatID(job.ID)),
		slog.String("export_type", string(job.Type)),
		slog.String("format", string(job.Format)),
	)

	w.progress(ctx, job, progressClaimed)

	d, err := w.assemble(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)

		return
	}

	if job.Anonymize {
		d.anonymize()
	}

	w.progress(ctx, job, progressAssembled)

	path, size, records, err := w.writeArtifact(job, d)
	if err != nil {
		w.fail(ctx, job, err)

		return
	}

	w.progress(ctx, job, progressWritten)

	expiresAt := time.Now().Add(w.cfg.Retention)
	if err := w.store.Complete(ctx, job.ID, path, size, records, expiresAt); err != nil {
		w.logger.ErrorContext(ctx, "Failed to complete export job",
			slog.String("export_id", FormatID(job.ID)),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.InfoContext(ctx, "Completed export job",
		slog.String("export_id", FormatID(job.ID)),
		slog.Int64("records", records),
		slog.Int64("bytes", size),
	)

	if job.Delivery == DeliveryEmail {
		w.notify(ctx, job)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	w.logger.ErrorContext(ctx, "Export job failed",
		slog.String("export_id", FormatID(job.ID)),
		slog.String("error", cause.Error()),
	)

	// Record the failure even when the request deadline already expired.
	if err := w.store.Fail(context.WithoutCancel(ctx), job.ID, cause.Error()); err != nil {
		w.logger.ErrorContext(ctx, "Failed to mark export job failed",
			slog.String("export_id", FormatID(job.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) progress(ctx context.Context, job *Job, percent int) {
	if err := w.store.SetProgress(ctx, job.ID, percent); err != nil {
		w.logger.WarnContext(ctx, "Failed to update export progress",
			slog.String("export_id", FormatID(job.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) notify(ctx context.Context, job *Job) {
	if w.notifier == nil {
		w.logger.WarnContext(ctx, "Email delivery requested but no notifier configured",
			slog.String("export_id", FormatID(job.ID)),
		)

		return
	}

	url := strings.TrimRight(w.cfg.DownloadBaseURL, "/") + "/" + FormatID(job.ID) + "/download"
	if err := w.notifier.ExportReady(ctx, job, url); err != nil {
		w.logger.ErrorContext(ctx, "Failed to send export notification",
			slog.String("export_id", FormatID(job.ID)),
			slog.String("error", err.Error()),
		)
	}
}

// assemble gathers everything the artifact needs, cache-first.
func (w *Worker) assemble(ctx context.Context, job *Job) (*dataset, error) {
	key := exportCacheKey(job.FunnelID, configHash(job))

	if cached, ok := cache.Get[*dataset](w.cache, key); ok {
		out := *cached

		return &out, nil
	}

	scope := funnel.Scope{TenantID: job.TenantID, WorkspaceID: job.WorkspaceID}

	f, err := w.funnels.Get(ctx, scope, job.FunnelID)
	if err != nil {
		return nil, err
	}

	d := &dataset{FunnelName: f.Name, Window: job.Request.Window}

	conv, err := w.engine.Conversion(ctx, &analytics.ConversionRequest{
		Scope:           scope,
		FunnelID:        job.FunnelID,
		Window:          job.Request.Window,
		IncludeSegments: job.Type == TypeDetailed,
	})
	if err != nil {
		return nil, fmt.Errorf("conversion analysis: %w", err)
	}

	d.Conversion = conv

	if job.Type == TypeDetailed {
		if err := w.assembleDetailed(ctx, scope, job, d); err != nil {
			return nil, err
		}
	}

	if job.Type == TypeRawEvents {
		journeys, err := w.repo.UserJourneys(ctx, scope, job.FunnelID, job.Request.Window, rawJourneyEventLimit)
		if err != nil {
			return nil, fmt.Errorf("load journeys: %w", err)
		}

		d.Journeys = journeyDocs(journeys)
	}

	if ctx.Err() == nil {
		w.cache.SetClass(key, d, cache.ClassExportData)
	}

	return d, nil
}

func (w *Worker) assembleDetailed(ctx context.Context, scope funnel.Scope, job *Job, d *dataset) error {
	dropOff, err := w.engine.DropOff(ctx, &analytics.DropOffRequest{
		Scope:                  scope,
		FunnelID:               job.FunnelID,
		Window:                 job.Request.Window,
		IncludeExitPaths:       true,
		IncludeRecommendations: true,
	})
	if err != nil {
		return fmt.Errorf("drop-off analysis: %w", err)
	}

	d.DropOff = dropOff

	timing, err := w.engine.Timing(ctx, &analytics.TimingRequest{
		Scope:    scope,
		FunnelID: job.FunnelID,
		Window:   job.Request.Window,
		Period:   analytics.CohortWeekly,
	})
	if err != nil {
		return fmt.Errorf("timing analysis: %w", err)
	}

	d.Timing = timing

	if job.Request.IncludeCohorts {
		cohorts, err := w.engine.Cohorts(ctx, &analytics.CohortRequest{
			Scope:    scope,
			FunnelID: job.FunnelID,
			Window:   job.Request.Window,
			Period:   analytics.CohortWeekly,
		})
		if err != nil {
			return fmt.Errorf("cohort analysis: %w", err)
		}

		d.Cohorts = cohorts
	}

	if job.Request.IncludeAttribution {
		attribution, err := w.engine.Attribution(ctx, &analytics.AttributionRequest{
			Scope:    scope,
			FunnelID: job.FunnelID,
			Window:   job.Request.Window,
		})
		if err != nil {
			return fmt.Errorf("attribution analysis: %w", err)
		}

		d.Attribution = attribution
	}

	return nil
}

// writeArtifact renders the dataset to the export directory.
func (w *Worker) writeArtifact(job *Job, d *dataset) (path string, size, records int64, err error) {
	if err := os.MkdirAll(w.cfg.Directory, 0o755); err != nil {
		return "", 0, 0, fmt.Errorf("create export directory: %w", err)
	}

	path = filepath.Join(w.cfg.Directory, artifactName(job))

	file, err := os.Create(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("create export file: %w", err)
	}

	switch job.Format {
	case FormatJSON:
		records, err = writeJSON(file, job, d)
	case FormatExcel:
		records, err = writeExcel(file, d)
	default:
		records, err = writeCSV(file, d)
	}

	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(path)

		return "", 0, 0, fmt.Errorf("write export file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("stat export file: %w", err)
	}

	return path, info.Size(), records, nil
}

func artifactName(job *Job) string {
	ext := string(job.Format)
	if job.Format == FormatExcel {
		ext = "xlsx"
	}

	return fmt.Sprintf("%s_%s_%d.%s", job.Type, FormatID(job.ID), time.Now().Unix(), ext)
}

// SweepExpired removes artifacts past their download expiry. Run it
// periodically from the host.
func (w *Worker) SweepExpired(ctx context.Context) {
	jobs, err := w.store.ExpiredArtifacts(ctx, time.Now(), expiredSweepBatch)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to list expired exports", slog.String("error", err.Error()))

		return
	}

	for _, job := range jobs {
		if job.FilePath != "" {
			if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
				w.logger.WarnContext(ctx, "Failed to remove expired export artifact",
					slog.String("export_id", FormatID(job.ID)),
					slog.String("error", err.Error()),
				)

				continue
			}
		}

		if err := w.store.ClearArtifact(ctx, job.ID); err != nil {
			w.logger.WarnContext(ctx, "Failed to clear expired export artifact",
				slog.String("export_id", FormatID(job.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(jobs) > 0 {
		w.logger.InfoContext(ctx, "Swept expired export artifacts", slog.Int("count", len(jobs)))
	}

	pruned, err := w.store.PruneJobs(ctx, time.Now().Add(-jobRetention))
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to prune old export jobs", slog.String("error", err.Error()))

		return
	}

	if pruned > 0 {
		w.logger.InfoContext(ctx, "Pruned old export jobs", slog.Int64("count", pruned))
	}
}
