package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hollien/bookvoice/internal/config"
	"github.com/hollien/bookvoice/internal/ports"
	"github.com/hollien/bookvoice/internal/remote"
	"github.com/hollien/bookvoice/internal/retry"
	"github.com/hollien/bookvoice/internal/session"
	"github.com/hollien/bookvoice/pkg/models"
)

// fakeExtractor resolves page text from the image bytes, which the tests
// write as the page's own filename.
type fakeExtractor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	blank map[string]bool
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		blank: make(map[string]bool),
	}
}

func (f *fakeExtractor) ExtractText(ctx context.Context, image []byte) (string, error) {
	key := string(image)
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return "", err
	}
	if f.blank[key] {
		return "", nil
	}
	return "text-" + key, nil
}

func (f *fakeExtractor) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeExtractor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeTransformer struct {
	detectResult string
	cleanErr     error
	translateErr error

	cleanCalls     int
	translateCalls int
	detectCalls    int
	lastTranslated string
}

func (f *fakeTransformer) Transform(ctx context.Context, text string, req ports.TransformRequest) (string, error) {
	switch req.Mode {
	case ports.ModeClean:
		f.cleanCalls++
		if f.cleanErr != nil {
			return "", f.cleanErr
		}
		return "cleaned(" + text + ")", nil
	case ports.ModeTranslate:
		f.translateCalls++
		if f.translateErr != nil {
			return "", f.translateErr
		}
		f.lastTranslated = text
		return "translated:" + req.TargetLanguage + ":" + text, nil
	case ports.ModeDetectLanguage:
		f.detectCalls++
		return f.detectResult, nil
	}
	return "", fmt.Errorf("unexpected mode %q", req.Mode)
}

type fakeSynthesizer struct {
	err       error
	lastInput string
	calls     int
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, req ports.SynthesisRequest) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.lastInput = text
	return []byte("AUDIO:" + text), nil
}

type testEnv struct {
	cfg         *config.Config
	store       *session.Store
	extractor   *fakeExtractor
	transformer *fakeTransformer
	synthesizer *fakeSynthesizer
	itemIDs     []string
}

// newTestEnv lays out page images named page_01.png.. whose content equals
// their filename, so the fake extractor can tell pages apart.
func newTestEnv(t *testing.T, numPages int) *testEnv {
	t.Helper()
	root := t.TempDir()

	inputDir := filepath.Join(root, "pages")
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatalf("creating input dir: %v", err)
	}

	var ids []string
	for i := 1; i <= numPages; i++ {
		name := fmt.Sprintf("page_%02d.png", i)
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte(name), 0644); err != nil {
			t.Fatalf("writing page %s: %v", name, err)
		}
		ids = append(ids, name)
	}

	cfg := &config.Config{}
	cfg.Pipeline.InputDir = inputDir
	cfg.Pipeline.OutputAudio = filepath.Join(root, "out", "book.mp3")
	cfg.Pipeline.SessionDir = filepath.Join(root, "sessions")
	config.ApplyDefaults(cfg)
	cfg.Pipeline.Concurrency = 2

	store, err := session.NewStore(cfg.Pipeline.SessionDir, slog.Default())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	return &testEnv{
		cfg:         cfg,
		store:       store,
		extractor:   newFakeExtractor(),
		transformer: &fakeTransformer{detectResult: "English"},
		synthesizer: &fakeSynthesizer{},
		itemIDs:     ids,
	}
}

func (env *testEnv) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	policy, err := retry.New(3, time.Millisecond, 2*time.Millisecond, nil, slog.Default())
	if err != nil {
		t.Fatalf("retry.New failed: %v", err)
	}
	return New(env.cfg, env.store, policy, env.extractor, env.transformer, env.synthesizer, nil, slog.Default())
}

func (env *testEnv) fingerprint() string {
	return session.Fingerprint(env.itemIDs)
}

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t, 3)
	env.transformer.detectResult = "Spanish"
	env.cfg.Translation.TargetLanguage = "English"

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.FinalStage != models.StageDone {
		t.Errorf("expected done, got %s", report.FinalStage)
	}
	if report.Succeeded != 3 || report.Failed != 0 {
		t.Errorf("unexpected counts: %d ok, %d failed", report.Succeeded, report.Failed)
	}
	if report.Degraded {
		t.Error("clean run should not be degraded")
	}

	if env.transformer.cleanCalls != 1 {
		t.Errorf("expected 1 clean call, got %d", env.transformer.cleanCalls)
	}
	if env.transformer.translateCalls != 1 {
		t.Errorf("expected 1 translate call, got %d", env.transformer.translateCalls)
	}

	audio, err := os.ReadFile(env.cfg.Pipeline.OutputAudio)
	if err != nil {
		t.Fatalf("audio not written: %v", err)
	}
	wantText := "translated:English:cleaned(text-page_01.png\n\ntext-page_02.png\n\ntext-page_03.png)"
	if string(audio) != "AUDIO:"+wantText {
		t.Errorf("unexpected audio content: %q", audio)
	}

	sess, err := env.store.Load(env.fingerprint())
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if sess.Stage != models.StageDone {
		t.Errorf("persisted stage: expected done, got %s", sess.Stage)
	}
	if rec := sess.Document[models.StageSynthesis]; rec == nil || rec.Result != env.cfg.Pipeline.OutputAudio {
		t.Error("synthesis record should hold the artifact path")
	}
}

func TestTranslationSkippedWhenLanguagesMatch(t *testing.T) {
	env := newTestEnv(t, 2)
	env.transformer.detectResult = "English"
	env.cfg.Translation.TargetLanguage = "English"

	if _, err := env.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if env.transformer.detectCalls != 1 {
		t.Errorf("expected 1 detection call, got %d", env.transformer.detectCalls)
	}
	if env.transformer.translateCalls != 0 {
		t.Errorf("expected no translation, got %d calls", env.transformer.translateCalls)
	}
	if !strings.HasPrefix(env.synthesizer.lastInput, "cleaned(") {
		t.Errorf("synthesis should get cleaned text, got %q", env.synthesizer.lastInput)
	}
}

func TestCombineElidesFailedPagesInOrder(t *testing.T) {
	env := newTestEnv(t, 3)
	env.cfg.Pipeline.SkipCleaning = true
	env.cfg.Pipeline.SkipTranslation = true
	env.extractor.fail["page_02.png"] = remote.Fatal("extract", "unreadable page")

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("partial extraction failure should not end the run: %v", err)
	}

	if !report.Degraded {
		t.Error("run with elided pages should report degraded")
	}
	if len(report.Elided) != 1 || report.Elided[0] != "page_02.png" {
		t.Errorf("unexpected elided list: %v", report.Elided)
	}

	sess, err := env.store.Load(env.fingerprint())
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	want := "text-page_01.png\n\ntext-page_03.png"
	if sess.CombinedText != want {
		t.Errorf("combined text:\nwant %q\ngot  %q", want, sess.CombinedText)
	}

	// A fatal page failure must not burn the remaining attempt budget.
	if n := env.extractor.callCount("page_02.png"); n != 1 {
		t.Errorf("fatal failure should stop after 1 attempt, got %d", n)
	}
}

func TestResumeSkipsSucceededPages(t *testing.T) {
	env := newTestEnv(t, 5)
	env.cfg.Pipeline.SkipCleaning = true
	env.cfg.Pipeline.SkipTranslation = true

	// Simulate a crash after three pages completed.
	sess, err := env.store.LoadOrCreate(env.fingerprint(), env.itemIDs)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		sess.Items[i].Status = models.StatusSucceeded
		sess.Items[i].Result = "text-" + sess.Items[i].ItemID
	}
	if err := env.store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := env.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i, id := range env.itemIDs {
		want := 0
		if i >= 3 {
			want = 1
		}
		if n := env.extractor.callCount(id); n != want {
			t.Errorf("page %s: expected %d extraction calls, got %d", id, want, n)
		}
	}
}

func TestAllPagesFailedIsTerminal(t *testing.T) {
	env := newTestEnv(t, 2)
	for _, id := range env.itemIDs {
		env.extractor.fail[id] = remote.Fatal("extract", "unreadable")
	}

	_, err := env.orchestrator(t).Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal error when every page fails")
	}

	sess, lerr := env.store.Load(env.fingerprint())
	if lerr != nil {
		t.Fatalf("loading session: %v", lerr)
	}
	if sess.Stage != models.StageExtraction {
		t.Errorf("session should stay at extraction, got %s", sess.Stage)
	}
	if env.synthesizer.calls != 0 {
		t.Error("synthesis must not run after terminal extraction failure")
	}
}

func TestDocumentStageFailurePersistsAndResumes(t *testing.T) {
	env := newTestEnv(t, 2)
	env.cfg.Pipeline.SkipTranslation = true
	env.transformer.cleanErr = remote.Fatal("clean_text", "model rejected input")

	_, err := env.orchestrator(t).Run(context.Background())
	if err == nil {
		t.Fatal("expected error from failed cleaning stage")
	}

	sess, lerr := env.store.Load(env.fingerprint())
	if lerr != nil {
		t.Fatalf("loading session: %v", lerr)
	}
	if sess.Stage != models.StageCleaning {
		t.Errorf("session should stay at cleaning, got %s", sess.Stage)
	}
	rec := sess.Document[models.StageCleaning]
	if rec == nil || rec.Status != models.StatusFailed {
		t.Fatalf("cleaning record should be failed, got %+v", rec)
	}
	if rec.Error == "" || rec.ErrorKind != "fatal" {
		t.Errorf("failure details missing: %+v", rec)
	}

	// The next run retries the failed stage without redoing extraction.
	env.transformer.cleanErr = nil
	extractionsBefore := env.extractor.totalCalls()

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if report.FinalStage != models.StageDone {
		t.Errorf("expected done after resume, got %s", report.FinalStage)
	}
	if env.extractor.totalCalls() != extractionsBefore {
		t.Error("resume must not re-extract succeeded pages")
	}
}

func TestStartFromSynthesisWithTextInput(t *testing.T) {
	env := newTestEnv(t, 1)

	textPath := filepath.Join(t.TempDir(), "book.txt")
	if err := os.WriteFile(textPath, []byte("hello audiobook"), 0644); err != nil {
		t.Fatalf("writing text input: %v", err)
	}

	env.cfg.Pipeline.InputDir = ""
	env.cfg.Pipeline.InputText = textPath
	env.cfg.Pipeline.StartFrom = "synthesis"

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if env.extractor.totalCalls() != 0 {
		t.Error("text input run must not extract")
	}
	if env.synthesizer.lastInput != "hello audiobook" {
		t.Errorf("synthesizer got %q", env.synthesizer.lastInput)
	}
	if report.FinalStage != models.StageDone {
		t.Errorf("expected done, got %s", report.FinalStage)
	}
}

func TestBlankPageIsElided(t *testing.T) {
	env := newTestEnv(t, 3)
	env.cfg.Pipeline.SkipCleaning = true
	env.cfg.Pipeline.SkipTranslation = true
	env.extractor.blank["page_02.png"] = true

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Degraded {
		t.Error("a blank page should make the run report degraded")
	}
	if len(report.Elided) != 1 || report.Elided[0] != "page_02.png" {
		t.Errorf("blank page should be elided, got %v", report.Elided)
	}

	sess, err := env.store.Load(env.fingerprint())
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	want := "text-page_01.png\n\ntext-page_03.png"
	if sess.CombinedText != want {
		t.Errorf("combined text:\nwant %q\ngot  %q", want, sess.CombinedText)
	}
}

func TestStartFromCleaningWithoutArtifactsRunsExtraction(t *testing.T) {
	env := newTestEnv(t, 2)
	env.cfg.Pipeline.StartFrom = "cleaning"
	env.cfg.Pipeline.SkipTranslation = true

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// With no saved text and no extracted pages there is nothing to clean,
	// so the pages are extracted first instead of sending an empty document.
	if env.extractor.totalCalls() != 2 {
		t.Errorf("expected both pages extracted, got %d calls", env.extractor.totalCalls())
	}
	if env.transformer.cleanCalls != 1 {
		t.Errorf("expected cleaning after extraction, got %d calls", env.transformer.cleanCalls)
	}
	if report.FinalStage != models.StageDone {
		t.Errorf("expected done, got %s", report.FinalStage)
	}
}

func TestStartFromCleaningReusesExtractedPages(t *testing.T) {
	env := newTestEnv(t, 2)
	env.cfg.Pipeline.StartFrom = "cleaning"
	env.cfg.Pipeline.SkipTranslation = true

	// A previous run extracted both pages but was interrupted before the
	// stage advanced and the combined document was built.
	sess, err := env.store.LoadOrCreate(env.fingerprint(), env.itemIDs)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	for i := range sess.Items {
		sess.Items[i].Status = models.StatusSucceeded
		sess.Items[i].Result = "text-" + sess.Items[i].ItemID
	}
	if err := env.store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	report, err := env.orchestrator(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if env.extractor.totalCalls() != 0 {
		t.Errorf("existing extractions should be reused, got %d calls", env.extractor.totalCalls())
	}
	if env.transformer.cleanCalls != 1 {
		t.Errorf("expected 1 clean call, got %d", env.transformer.cleanCalls)
	}
	if report.FinalStage != models.StageDone {
		t.Errorf("expected done, got %s", report.FinalStage)
	}

	loaded, err := env.store.Load(env.fingerprint())
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	want := "text-page_01.png\n\ntext-page_02.png"
	if loaded.CombinedText != want {
		t.Errorf("combined text:\nwant %q\ngot  %q", want, loaded.CombinedText)
	}
}

func TestNoResumeDiscardsExistingSession(t *testing.T) {
	env := newTestEnv(t, 2)
	env.cfg.Pipeline.SkipCleaning = true
	env.cfg.Pipeline.SkipTranslation = true

	sess, err := env.store.LoadOrCreate(env.fingerprint(), env.itemIDs)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	for i := range sess.Items {
		sess.Items[i].Status = models.StatusSucceeded
		sess.Items[i].Result = "stale"
	}
	if err := env.store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	env.cfg.Pipeline.NoResume = true
	if _, err := env.orchestrator(t).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if env.extractor.totalCalls() != 2 {
		t.Errorf("no-resume run should re-extract everything, got %d calls", env.extractor.totalCalls())
	}
}

func TestTransientFailuresRetriedDuringExtraction(t *testing.T) {
	env := newTestEnv(t, 1)
	env.cfg.Pipeline.SkipCleaning = true
	env.cfg.Pipeline.SkipTranslation = true

	// Fail twice, then succeed on the third attempt.
	var mu sync.Mutex
	attempts := 0
	env.extractor.fail["page_01.png"] = nil
	flaky := &flakyExtractor{inner: env.extractor, failures: 2, mu: &mu, attempts: &attempts}

	policy, err := retry.New(3, time.Millisecond, 2*time.Millisecond, nil, slog.Default())
	if err != nil {
		t.Fatalf("retry.New failed: %v", err)
	}
	orch := New(env.cfg, env.store, policy, flaky, env.transformer, env.synthesizer, nil, slog.Default())

	report, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("expected the flaky page to succeed, got %d", report.Succeeded)
	}

	sess, err := env.store.Load(env.fingerprint())
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if sess.Items[0].AttemptCount != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", sess.Items[0].AttemptCount)
	}
}

// flakyExtractor fails a fixed number of times before delegating.
type flakyExtractor struct {
	inner    *fakeExtractor
	failures int
	mu       *sync.Mutex
	attempts *int
}

func (f *flakyExtractor) ExtractText(ctx context.Context, image []byte) (string, error) {
	f.mu.Lock()
	*f.attempts++
	n := *f.attempts
	f.mu.Unlock()
	if n <= f.failures {
		return "", remote.Transient("extract", "blip %d", n)
	}
	return f.inner.ExtractText(ctx, image)
}
