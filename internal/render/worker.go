package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/backend"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/metrics"
	"studio/internal/sqlinline"
)

const (
	jobPollInterval  = 2 * time.Second
	staleJobAfter    = 10 * time.Minute
	maxJobAttempts   = 3
	sweepEveryNPolls = 30
)

var errNoJobAvailable = errors.New("no job available")

// Worker claims queued render jobs with `for update skip locked`, so any
// number of workers can share the queue.
type Worker struct {
	sql       infra.SQLExecutor
	completer *Completer
	renderers map[domain.Variant]backend.Generator
	poll      time.Duration
	log       zerolog.Logger
}

func NewWorker(sql infra.SQLExecutor, completer *Completer, renderers map[domain.Variant]backend.Generator, poll time.Duration, log zerolog.Logger) *Worker {
	if poll <= 0 {
		poll = jobPollInterval
	}
	return &Worker{
		sql:       sql,
		completer: completer,
		renderers: renderers,
		poll:      poll,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Dur("poll", w.poll).Msg("worker: started")
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if idle%sweepEveryNPolls == 0 {
			w.sweep(ctx)
		}

		job, err := w.claim(ctx)
		if err != nil {
			if !errors.Is(err, errNoJobAvailable) {
				w.log.Error().Err(err).Msg("worker: failed to claim job")
			}
			idle++
			if !sleep(ctx, w.poll) {
				return ctx.Err()
			}
			continue
		}
		idle = 0
		w.handle(ctx, job)
	}
}

// RunOnce processes at most one job and reports whether one was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.claim(ctx)
	if errors.Is(err, errNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) claim(ctx context.Context) (backend.Job, error) {
	var id, imageID, userID, variant string
	var payload []byte
	err := w.sql.QueryRow(ctx, sqlinline.QClaimRender).Scan(&id, &imageID, &userID, &variant, &payload)
	if err != nil {
		if infra.IsNoRows(err) {
			return backend.Job{}, errNoJobAvailable
		}
		return backend.Job{}, err
	}
	return backend.DecodeJob(id, imageID, userID, variant, payload)
}

func (w *Worker) handle(ctx context.Context, job backend.Job) {
	logger := w.log.With().Str("job_id", job.ID).Str("image_id", job.ImageID).Str("variant", string(job.Variant)).Logger()
	logger.Info().Msg("worker: picked job")

	status := "succeeded"
	var jobErr error
	gen, ok := w.renderers[job.Variant]
	if !ok {
		jobErr = fmt.Errorf("no renderer for variant %q", job.Variant)
		if ferr := w.completer.Fail(ctx, job.ImageID, jobErr); ferr != nil {
			logger.Error().Err(ferr).Msg("worker: mark image error failed")
		}
	} else {
		jobErr = w.completer.Complete(ctx, gen, job.Request)
	}
	metrics.RecordRenderJob(string(job.Variant), jobErr)
	errText := ""
	if jobErr != nil {
		status = "failed"
		errText = domain.TruncatePrompt(jobErr.Error(), 500)
		logger.Error().Err(jobErr).Msg("worker: job failed")
	}
	if _, err := w.sql.Exec(ctx, sqlinline.QFinishRender, job.ID, status, errText); err != nil {
		logger.Error().Err(err).Msg("worker: update status failed")
	}
}

// sweep requeues jobs a crashed worker left running and fails the images of
// jobs that ran out of attempts.
func (w *Worker) sweep(ctx context.Context) {
	staleSeconds := int(staleJobAfter / time.Second)
	if tag, err := w.sql.Exec(ctx, sqlinline.QRequeueStaleRenders, staleSeconds, maxJobAttempts); err != nil {
		w.log.Error().Err(err).Msg("worker: requeue stale jobs failed")
	} else if n := tag.RowsAffected(); n > 0 {
		w.log.Warn().Int64("jobs", n).Msg("worker: requeued stale jobs")
	}

	rows, err := w.sql.Query(ctx, sqlinline.QAbandonRenders, staleSeconds, maxJobAttempts)
	if err != nil {
		w.log.Error().Err(err).Msg("worker: abandon jobs failed")
		return
	}
	var images []string
	for rows.Next() {
		var jobID, imageID string
		if err := rows.Scan(&jobID, &imageID); err != nil {
			w.log.Error().Err(err).Msg("worker: scan abandoned job")
			continue
		}
		images = append(images, imageID)
	}
	rows.Close()
	for _, id := range images {
		if err := w.completer.Fail(ctx, id, domain.ErrTransient); err != nil {
			w.log.Error().Err(err).Str("image_id", id).Msg("worker: mark abandoned image failed")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
