package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/hollien/bookvoice/pkg/models"
)

// extractionJob is one page image queued for extraction.
type extractionJob struct {
	itemID    string
	imagePath string
}

// extractionResult carries one worker outcome back to the collector.
type extractionResult struct {
	itemID       string
	text         string
	attemptsMade int
	err          error
}

// runExtraction processes all pending page images through the worker pool.
// Already-succeeded items are never re-extracted; failed items are requeued
// only when retry_failed allows it. The run tolerates per-page failures and
// advances degraded, but a run where every page failed is terminal.
func (o *Orchestrator) runExtraction(ctx context.Context, sess *models.Session, imagesByID map[string]string) error {
	jobs := o.pendingExtractionJobs(sess, imagesByID)

	if len(jobs) > 0 {
		o.logger.Info("Starting extraction",
			"pending", len(jobs),
			"total", len(sess.Items),
			"workers", o.cfg.Pipeline.Concurrency)

		if err := o.processExtractionJobs(ctx, sess, jobs); err != nil {
			return err
		}
	} else {
		o.logger.Info("No extraction work remaining", "total", len(sess.Items))
	}

	_, _, succeeded, failed := sess.ItemCounts()
	sess.Stats.SuccessCount = succeeded
	sess.Stats.FailureCount = failed

	if succeeded == 0 {
		return fmt.Errorf("extraction produced no usable pages: %d of %d failed", failed, len(sess.Items))
	}

	o.combine(sess)
	return nil
}

// pendingExtractionJobs selects the items still needing work, preserving
// input order.
func (o *Orchestrator) pendingExtractionJobs(sess *models.Session, imagesByID map[string]string) []extractionJob {
	var jobs []extractionJob
	for i := range sess.Items {
		item := &sess.Items[i]
		switch item.Status {
		case models.StatusSucceeded:
			continue
		case models.StatusFailed:
			if o.cfg.Pipeline.SkipFailed {
				continue
			}
		}
		jobs = append(jobs, extractionJob{
			itemID:    item.ItemID,
			imagePath: imagesByID[item.ItemID],
		})
	}
	return jobs
}

// processExtractionJobs fans the jobs out to the worker pool. All session
// mutation and persistence happens on the collector side; workers only touch
// the extractor port.
func (o *Orchestrator) processExtractionJobs(ctx context.Context, sess *models.Session, jobs []extractionJob) error {
	// Mark the whole batch in_progress up front: a crash mid-batch resets
	// these to pending on the next load.
	now := time.Now()
	for _, job := range jobs {
		if item := sess.Item(job.itemID); item != nil {
			item.Status = models.StatusInProgress
			item.UpdatedAt = now
		}
	}
	if err := o.store.Save(sess); err != nil {
		return err
	}

	jobChan := make(chan extractionJob, len(jobs))
	resultChan := make(chan extractionResult, len(jobs))

	workers := o.cfg.Pipeline.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go o.extractionWorker(ctx, jobChan, resultChan, &wg)
	}

	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	bar := progressbar.Default(int64(len(jobs)), "Extracting pages")

	var saveErr error
	for result := range resultChan {
		_ = bar.Add(1)
		o.recordExtractionResult(sess, result)

		// Persist after every item so a crash loses at most one result.
		if err := o.store.Save(sess); err != nil && saveErr == nil {
			saveErr = err
		}
	}
	if saveErr != nil {
		return saveErr
	}
	return ctx.Err()
}

func (o *Orchestrator) extractionWorker(
	ctx context.Context,
	jobs <-chan extractionJob,
	results chan<- extractionResult,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			return
		}
		results <- o.extractOne(ctx, job)
	}
}

// extractOne reads one image and runs the extraction call through the retry
// policy.
func (o *Orchestrator) extractOne(ctx context.Context, job extractionJob) extractionResult {
	image, err := os.ReadFile(job.imagePath)
	if err != nil {
		return extractionResult{
			itemID:       job.itemID,
			attemptsMade: 0,
			err:          fmt.Errorf("reading image %s: %w", job.imagePath, err),
		}
	}

	var text string
	outcome := o.policy.Execute(ctx, "extract_text", func(ctx context.Context) error {
		out, err := o.extractor.ExtractText(ctx, image)
		if err != nil {
			return err
		}
		text = out
		return nil
	})

	if o.collector != nil {
		o.collector.RecordAttempts("extract_text", outcome.AttemptsMade, outcome.Succeeded)
	}

	if !outcome.Succeeded {
		return extractionResult{itemID: job.itemID, attemptsMade: outcome.AttemptsMade, err: outcome.FinalErr}
	}
	return extractionResult{itemID: job.itemID, text: text, attemptsMade: outcome.AttemptsMade}
}

// recordExtractionResult applies one worker outcome to the session. Runs on
// the collector goroutine only, so no locking is needed.
func (o *Orchestrator) recordExtractionResult(sess *models.Session, result extractionResult) {
	item := sess.Item(result.itemID)
	if item == nil {
		o.logger.Error("Result for unknown item", "item_id", result.itemID)
		return
	}

	// Most recent run's attempts; bounded by the policy's maximum.
	item.AttemptCount = result.attemptsMade
	if result.attemptsMade > 1 {
		sess.Stats.RetryCount += result.attemptsMade - 1
	}
	item.UpdatedAt = time.Now()

	if result.err != nil {
		item.Status = models.StatusFailed
		item.Error = result.err.Error()
		item.ErrorKind = errorKind(result.err)
		item.Result = ""
		if o.collector != nil {
			o.collector.RecordItem(string(models.StageExtraction), "failed")
		}
		o.logger.Error("Page extraction failed",
			"item_id", result.itemID,
			"attempts", result.attemptsMade,
			"error", result.err)
		return
	}

	item.Status = models.StatusSucceeded
	item.Result = result.text
	item.Error = ""
	item.ErrorKind = ""
	if o.collector != nil {
		o.collector.RecordItem(string(models.StageExtraction), "succeeded")
	}
	o.logger.Debug("Page extracted",
		"item_id", result.itemID,
		"chars", len(result.text),
		"attempts", result.attemptsMade)
}
