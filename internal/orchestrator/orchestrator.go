// Package orchestrator drives the pipeline state machine: extraction over
// page images, combination, the single-document cleaning, translation and
// synthesis stages, and session persistence between every transition.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hollien/bookvoice/internal/config"
	"github.com/hollien/bookvoice/internal/metrics"
	"github.com/hollien/bookvoice/internal/ports"
	"github.com/hollien/bookvoice/internal/remote"
	"github.com/hollien/bookvoice/internal/retry"
	"github.com/hollien/bookvoice/internal/runfiles"
	"github.com/hollien/bookvoice/internal/session"
	"github.com/hollien/bookvoice/pkg/models"
)

// Orchestrator coordinates the pipeline stages over a durable session.
// All remote work goes through the retry policy; the orchestrator itself
// never calls a port directly.
type Orchestrator struct {
	cfg         *config.Config
	store       *session.Store
	policy      *retry.Policy
	extractor   ports.Extractor
	transformer ports.Transformer
	synthesizer ports.Synthesizer
	collector   *metrics.Collector
	logger      *slog.Logger
}

// New creates an orchestrator. The extractor may be nil when the run starts
// past extraction; the transformer and synthesizer are required unless their
// stages are skipped.
func New(
	cfg *config.Config,
	store *session.Store,
	policy *retry.Policy,
	extractor ports.Extractor,
	transformer ports.Transformer,
	synthesizer ports.Synthesizer,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		policy:      policy,
		extractor:   extractor,
		transformer: transformer,
		synthesizer: synthesizer,
		collector:   collector,
		logger:      logger,
	}
}

// Run executes the pipeline to completion or to the first terminal failure.
// The returned report is valid in both cases; the error is non-nil when the
// run ended before StageDone.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunReport, error) {
	start := time.Now()

	itemIDs, imagesByID, inputText, err := o.resolveInputs()
	if err != nil {
		return nil, err
	}

	fingerprint := session.Fingerprint(itemIDs)

	if o.cfg.Pipeline.NoResume {
		if err := o.store.Delete(fingerprint); err != nil {
			return nil, err
		}
		o.logger.Info("Resume disabled, starting fresh", "fingerprint", fingerprint)
	}

	lock, err := o.store.Acquire(fingerprint)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			o.logger.Warn("Failed to release session lock", "error", rerr)
		}
	}()

	sess, err := o.store.LoadOrCreate(fingerprint, itemIDs)
	if err != nil {
		return nil, err
	}

	o.applyStartStage(sess, inputText)

	if err := o.store.Save(sess); err != nil {
		return nil, err
	}

	report := &models.RunReport{
		Fingerprint: fingerprint,
		AudioPath:   o.cfg.Pipeline.OutputAudio,
	}

	runErr := o.advance(ctx, sess, imagesByID)

	sess.Stats.Elapsed += time.Since(start)
	if err := o.store.Save(sess); err != nil {
		return nil, err
	}

	_, _, succeeded, failed := sess.ItemCounts()
	report.FinalStage = sess.Stage
	report.Succeeded = succeeded
	report.Failed = failed
	report.Elided = sess.Elided
	report.Degraded = len(sess.Elided) > 0
	report.Duration = time.Since(start)
	if runErr != nil {
		report.Terminated = true
		report.TerminatedBy = string(sess.Stage)
	}
	if rec, ok := sess.Document[models.StageSynthesis]; ok && rec.Status == models.StatusSucceeded {
		report.AudioPath = rec.Result
	}

	return report, runErr
}

// advance walks the stage machine from the session's current stage.
func (o *Orchestrator) advance(ctx context.Context, sess *models.Session, imagesByID map[string]string) error {
	for sess.Stage != models.StageDone {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stageStart := time.Now()
		var err error

		switch sess.Stage {
		case models.StageExtraction:
			err = o.runExtraction(ctx, sess, imagesByID)
		case models.StageCleaning:
			err = o.runCleaning(ctx, sess)
		case models.StageTranslation:
			err = o.runTranslation(ctx, sess)
		case models.StageSynthesis:
			err = o.runSynthesis(ctx, sess)
		default:
			err = fmt.Errorf("unknown pipeline stage %q", sess.Stage)
		}

		if o.collector != nil {
			o.collector.RecordStage(string(sess.Stage), time.Since(stageStart))
		}
		if err != nil {
			return err
		}

		sess.Stage = sess.Stage.Next()
		if err := o.store.Save(sess); err != nil {
			return err
		}
	}
	return nil
}

// resolveInputs determines the run's item IDs and input sources from the
// configuration. Runs starting at synthesis from a text file have a single
// synthetic item and no images.
func (o *Orchestrator) resolveInputs() (itemIDs []string, imagesByID map[string]string, inputText string, err error) {
	if o.cfg.Pipeline.InputText != "" && o.cfg.StartStage() != models.StageExtraction {
		text, err := runfiles.LoadText(o.cfg.Pipeline.InputText)
		if err != nil {
			return nil, nil, "", err
		}
		id := "text:" + filepath.Base(o.cfg.Pipeline.InputText)
		o.logger.Info("Using text file input", "path", o.cfg.Pipeline.InputText, "chars", len(text))
		return []string{id}, nil, text, nil
	}

	paths, err := runfiles.DiscoverImages(o.cfg.Pipeline.InputDir)
	if err != nil {
		return nil, nil, "", err
	}

	itemIDs = runfiles.ItemIDs(paths)
	imagesByID = make(map[string]string, len(paths))
	for i, id := range itemIDs {
		imagesByID[id] = paths[i]
	}

	o.logger.Info("Discovered input images", "dir", o.cfg.Pipeline.InputDir, "count", len(paths))
	return itemIDs, imagesByID, "", nil
}

// applyStartStage fast-forwards a session when start_from points past its
// current stage. Jumping forward never rewinds completed work, and a jump
// past extraction needs an upstream document: without a text input or any
// extracted pages to combine, the session stays at extraction and the pages
// are processed first.
func (o *Orchestrator) applyStartStage(sess *models.Session, inputText string) {
	startStage := o.cfg.StartStage()

	if inputText != "" {
		sess.CombinedText = inputText
	}

	if stageIndex(startStage) <= stageIndex(sess.Stage) {
		return
	}

	if sess.CombinedText == "" {
		_, _, succeeded, _ := sess.ItemCounts()
		if succeeded == 0 {
			o.logger.Warn("No upstream text for requested start stage, running extraction first",
				"requested", startStage)
			return
		}
		o.combine(sess)
	}

	o.logger.Info("Overriding session stage",
		"from", sess.Stage,
		"to", startStage)
	sess.Stage = startStage
}

func stageIndex(s models.Stage) int {
	switch s {
	case models.StageExtraction:
		return 0
	case models.StageCleaning:
		return 1
	case models.StageTranslation:
		return 2
	case models.StageSynthesis:
		return 3
	default:
		return 4
	}
}

// combine joins the succeeded extraction results in input order, eliding
// failed items. An item that succeeded with no text (a blank page) is elided
// too: every omission is recorded so the degradation is visible in the
// session and the final report.
func (o *Orchestrator) combine(sess *models.Session) {
	var parts []string
	var elided []string

	for _, item := range sess.Items {
		if item.Status == models.StatusSucceeded && item.Result != "" {
			parts = append(parts, item.Result)
		} else {
			elided = append(elided, item.ItemID)
		}
	}

	sess.CombinedText = strings.Join(parts, "\n\n")
	sess.Elided = elided

	if len(elided) > 0 {
		o.logger.Warn("Combined text omits failed pages",
			"elided", len(elided),
			"included", len(parts))
	} else {
		o.logger.Info("Combined extracted text", "pages", len(parts), "chars", len(sess.CombinedText))
	}
}

// runCleaning runs the single-document cleaning stage.
func (o *Orchestrator) runCleaning(ctx context.Context, sess *models.Session) error {
	if o.cfg.Pipeline.SkipCleaning {
		o.logger.Info("Skipping cleaning stage")
		if o.collector != nil {
			o.collector.RecordItem(string(models.StageCleaning), "skipped")
		}
		return nil
	}

	err := o.runDocumentStage(ctx, sess, models.StageCleaning, "clean_text", func(ctx context.Context) (string, error) {
		return o.transformer.Transform(ctx, sess.CombinedText, ports.TransformRequest{Mode: ports.ModeClean})
	})
	if err != nil {
		return err
	}

	if o.cfg.Pipeline.AutoSaveText {
		raw, cleaned := runfiles.TextOutputPaths(o.cfg.Pipeline.OutputAudio)
		if werr := runfiles.SaveText(raw, sess.CombinedText); werr != nil {
			o.logger.Warn("Failed to save raw text", "path", raw, "error", werr)
		}
		if werr := runfiles.SaveText(cleaned, sess.Document[models.StageCleaning].Result); werr != nil {
			o.logger.Warn("Failed to save cleaned text", "path", cleaned, "error", werr)
		}
	}
	return nil
}

// runTranslation runs the single-document translation stage, detecting the
// source language first when configured as "auto". Translation is skipped
// when source and target already match.
func (o *Orchestrator) runTranslation(ctx context.Context, sess *models.Session) error {
	if o.cfg.Pipeline.SkipTranslation {
		o.logger.Info("Skipping translation stage")
		if o.collector != nil {
			o.collector.RecordItem(string(models.StageTranslation), "skipped")
		}
		return nil
	}

	text := o.stageInput(sess, models.StageTranslation)
	source := o.cfg.Translation.SourceLanguage
	target := o.cfg.Translation.TargetLanguage

	if strings.EqualFold(source, "auto") {
		detected, err := o.detectLanguage(ctx, text)
		if err != nil {
			return err
		}
		source = detected
	}

	if languagesMatch(source, target) {
		o.logger.Info("Source language matches target, skipping translation",
			"language", target)
		if o.collector != nil {
			o.collector.RecordItem(string(models.StageTranslation), "skipped")
		}
		return nil
	}

	err := o.runDocumentStage(ctx, sess, models.StageTranslation, "translate_text", func(ctx context.Context) (string, error) {
		return o.transformer.Transform(ctx, text, ports.TransformRequest{
			Mode:           ports.ModeTranslate,
			SourceLanguage: source,
			TargetLanguage: target,
		})
	})
	if err != nil {
		return err
	}

	if o.cfg.Pipeline.AutoSaveText {
		path := runfiles.TranslatedTextPath(o.cfg.Pipeline.OutputAudio, target)
		if werr := runfiles.SaveText(path, sess.Document[models.StageTranslation].Result); werr != nil {
			o.logger.Warn("Failed to save translated text", "path", path, "error", werr)
		}
	}
	return nil
}

// runSynthesis converts the final text to audio and writes the output file.
// The session records the artifact path, never the audio bytes.
func (o *Orchestrator) runSynthesis(ctx context.Context, sess *models.Session) error {
	text := o.stageInput(sess, models.StageSynthesis)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to synthesize: no text survived the earlier stages")
	}

	var audio []byte
	err := o.runDocumentStage(ctx, sess, models.StageSynthesis, "synthesize_speech", func(ctx context.Context) (string, error) {
		data, err := o.synthesizer.Synthesize(ctx, text, ports.SynthesisRequest{
			Voice:  o.cfg.Synthesis.Voice,
			Format: o.cfg.Synthesis.Format,
			Speed:  o.cfg.Synthesis.Speed,
		})
		if err != nil {
			return "", err
		}
		audio = data
		return o.cfg.Pipeline.OutputAudio, nil
	})
	if err != nil {
		return err
	}

	if err := runfiles.SaveAudio(o.cfg.Pipeline.OutputAudio, audio); err != nil {
		rec := sess.DocumentItem(models.StageSynthesis)
		rec.Status = models.StatusFailed
		rec.Error = err.Error()
		rec.UpdatedAt = time.Now()
		if serr := o.store.Save(sess); serr != nil {
			return serr
		}
		return err
	}

	o.logger.Info("Audio written",
		"path", o.cfg.Pipeline.OutputAudio,
		"bytes", len(audio))
	return nil
}

// runDocumentStage executes one single-document stage through the retry
// policy, persisting the record transition on both sides of the call.
// A failure here is terminal for the run; the failed record stays in the
// session so a later resume can retry it.
func (o *Orchestrator) runDocumentStage(
	ctx context.Context,
	sess *models.Session,
	stage models.Stage,
	op string,
	fn func(context.Context) (string, error),
) error {
	rec := sess.DocumentItem(stage)

	if rec.Status == models.StatusSucceeded {
		o.logger.Info("Stage already completed, skipping", "stage", stage)
		return nil
	}
	if rec.Status == models.StatusFailed && o.cfg.Pipeline.SkipFailed {
		return fmt.Errorf("%s previously failed and skip_failed is set: %s", stage, rec.Error)
	}

	rec.Status = models.StatusInProgress
	rec.UpdatedAt = time.Now()
	if err := o.store.Save(sess); err != nil {
		return err
	}

	var result string
	outcome := o.policy.Execute(ctx, op, func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return err
		}
		result = out
		return nil
	})

	rec.AttemptCount = outcome.AttemptsMade
	if outcome.AttemptsMade > 1 {
		sess.Stats.RetryCount += outcome.AttemptsMade - 1
	}
	rec.UpdatedAt = time.Now()

	if o.collector != nil {
		o.collector.RecordAttempts(op, outcome.AttemptsMade, outcome.Succeeded)
	}

	if !outcome.Succeeded {
		rec.Status = models.StatusFailed
		rec.Error = outcome.FinalErr.Error()
		rec.ErrorKind = errorKind(outcome.FinalErr)
		rec.Result = ""
		if o.collector != nil {
			o.collector.RecordItem(string(stage), "failed")
		}
		if err := o.store.Save(sess); err != nil {
			return err
		}
		return fmt.Errorf("%s failed: %w", stage, outcome.FinalErr)
	}

	rec.Status = models.StatusSucceeded
	rec.Result = result
	rec.Error = ""
	rec.ErrorKind = ""
	if o.collector != nil {
		o.collector.RecordItem(string(stage), "succeeded")
	}
	return o.store.Save(sess)
}

// detectLanguage asks the transformer for the document's primary language,
// going through the retry policy like any other remote call.
func (o *Orchestrator) detectLanguage(ctx context.Context, text string) (string, error) {
	var detected string
	outcome := o.policy.Execute(ctx, "detect_language", func(ctx context.Context) error {
		out, err := o.transformer.Transform(ctx, text, ports.TransformRequest{Mode: ports.ModeDetectLanguage})
		if err != nil {
			return err
		}
		detected = out
		return nil
	})
	if o.collector != nil {
		o.collector.RecordAttempts("detect_language", outcome.AttemptsMade, outcome.Succeeded)
	}
	if !outcome.Succeeded {
		return "", fmt.Errorf("language detection failed: %w", outcome.FinalErr)
	}

	o.logger.Info("Detected source language", "language", detected)
	return detected, nil
}

// stageInput returns the text a stage should operate on: the most recent
// successful upstream output, falling through skipped stages.
func (o *Orchestrator) stageInput(sess *models.Session, stage models.Stage) string {
	if stage == models.StageSynthesis {
		if rec, ok := sess.Document[models.StageTranslation]; ok && rec.Status == models.StatusSucceeded {
			return rec.Result
		}
	}
	if rec, ok := sess.Document[models.StageCleaning]; ok && rec.Status == models.StatusSucceeded {
		return rec.Result
	}
	return sess.CombinedText
}

func languagesMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func errorKind(err error) string {
	if remote.IsFatal(err) {
		return "fatal"
	}
	return "transient"
}
