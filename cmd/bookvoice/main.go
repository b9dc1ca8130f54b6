package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollien/bookvoice/internal/api"
	"github.com/hollien/bookvoice/internal/config"
	"github.com/hollien/bookvoice/internal/metrics"
	"github.com/hollien/bookvoice/internal/orchestrator"
	"github.com/hollien/bookvoice/internal/retry"
	"github.com/hollien/bookvoice/internal/runfiles"
	"github.com/hollien/bookvoice/internal/session"
	"github.com/hollien/bookvoice/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool

	inputDir        string
	inputText       string
	outputAudio     string
	startFrom       string
	noResume        bool
	skipCleaning    bool
	skipTranslation bool
	targetLanguage  string
	voice           string

	sessionDir   string
	cleanupDays  int
	forceCleanup bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookvoice",
		Short: "Bookvoice - Book scan to audiobook pipeline",
		Long: `Bookvoice converts scanned book pages into an audiobook:
1. Extract text from page images with a vision model
2. Clean up OCR artifacts
3. Translate to the target language
4. Synthesize speech and write the audio file

Interrupted runs resume from the last persisted state.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the book-to-audio pipeline",
		RunE:  runPipeline,
	}

	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().StringVar(&inputDir, "input-dir", "", "Directory with page images (overrides config)")
	runCmd.Flags().StringVar(&inputText, "input-text", "", "Text file input for runs starting past extraction")
	runCmd.Flags().StringVar(&outputAudio, "output", "", "Output audio file path (overrides config)")
	runCmd.Flags().StringVar(&startFrom, "start-from", "", "Stage to start at: extraction, cleaning, translation, synthesis")
	runCmd.Flags().BoolVar(&noResume, "no-resume", false, "Discard any existing session and start fresh")
	runCmd.Flags().BoolVar(&skipCleaning, "skip-cleaning", false, "Skip the text cleaning stage")
	runCmd.Flags().BoolVar(&skipTranslation, "skip-translation", false, "Skip the translation stage")
	runCmd.Flags().StringVar(&targetLanguage, "target-language", "", "Translation target language (overrides config)")
	runCmd.Flags().StringVar(&voice, "voice", "", "Synthesis voice (overrides config)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "List stored sessions and their progress",
		RunE:  showProgress,
	}
	progressCmd.Flags().StringVar(&sessionDir, "session-dir", "sessions", "Session directory")

	inspectCmd := &cobra.Command{
		Use:   "inspect <fingerprint>",
		Short: "Show the full state of one session",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectSession,
	}
	inspectCmd.Flags().StringVar(&sessionDir, "session-dir", "sessions", "Session directory")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions not updated recently",
		RunE:  cleanupSessions,
	}
	cleanupCmd.Flags().StringVar(&sessionDir, "session-dir", "sessions", "Session directory")
	cleanupCmd.Flags().IntVar(&cleanupDays, "older-than", 30, "Delete sessions older than this many days")
	cleanupCmd.Flags().BoolVar(&forceCleanup, "force", false, "Delete without confirmation")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := loadConfig()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	// The log file is keyed by fingerprint, which needs the input listing;
	// resolve it the same way the orchestrator will.
	fingerprint, err := previewFingerprint(cfg)
	if err != nil {
		return err
	}

	logger, logFile, err := runfiles.SetupLogger(cfg.Pipeline.SessionDir, fingerprint, logLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()

	logger.Info("Bookvoice starting",
		"version", Version,
		"config", configPath,
		"fingerprint", fingerprint,
		"start_from", cfg.Pipeline.StartFrom)

	store, err := session.NewStore(cfg.Pipeline.SessionDir, logger)
	if err != nil {
		return err
	}

	policy, err := retry.New(
		cfg.Retry.MaxAttempts,
		cfg.Retry.BaseDelay(),
		cfg.Retry.MaxDelay(),
		nil,
		logger,
	)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(logger)
	limiters := api.NewLimiterPool(cfg.Retry.CourtesyDelay(), collector, logger)
	client := api.NewClient(cfg.Retry.Timeout(), limiters, collector, logger)

	timeout := cfg.Retry.Timeout()
	extractor := api.NewVisionExtractor(client, cfg.Remote, secrets.GetAPIKey(cfg.Remote.BaseURL), timeout, logger)
	transformer := api.NewChatTransformer(client, cfg.Remote, secrets.GetAPIKey(cfg.Remote.BaseURL), timeout, logger)
	synthesizer := api.NewSpeechSynthesizer(client, cfg.Synthesis, secrets.GetAPIKey(cfg.Synthesis.BaseURL), timeout, logger)

	orch := orchestrator.New(cfg, store, policy, extractor, transformer, synthesizer, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted - rerun the same command to resume",
				"fingerprint", fingerprint)
			return fmt.Errorf("run interrupted (state saved, rerun to resume)")
		}
		if report != nil {
			logger.Error("Run ended before completion",
				"stage", report.FinalStage,
				"fingerprint", report.Fingerprint)
		}
		return fmt.Errorf("pipeline failed: %w", err)
	}

	logger.Info("Pipeline complete",
		"audio", report.AudioPath,
		"pages_succeeded", report.Succeeded,
		"pages_failed", report.Failed,
		"degraded", report.Degraded,
		"duration", report.Duration.Round(time.Second))

	if report.Degraded {
		logger.Warn("Output omits failed pages", "elided", strings.Join(report.Elided, ", "))
	}
	return nil
}

// loadConfig reads the config file when present, then layers flag overrides
// on top. Running without a file is allowed as long as flags and defaults
// produce a valid configuration.
func loadConfig() (*config.Config, *config.Secrets, error) {
	var cfg config.Config

	if _, err := os.Stat(configPath); err == nil {
		loaded, _, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = *loaded
	}

	if inputDir != "" {
		cfg.Pipeline.InputDir = inputDir
	}
	if inputText != "" {
		cfg.Pipeline.InputText = inputText
	}
	if outputAudio != "" {
		cfg.Pipeline.OutputAudio = outputAudio
	}
	if startFrom != "" {
		cfg.Pipeline.StartFrom = startFrom
	}
	if noResume {
		cfg.Pipeline.NoResume = true
	}
	if skipCleaning {
		cfg.Pipeline.SkipCleaning = true
	}
	if skipTranslation {
		cfg.Pipeline.SkipTranslation = true
	}
	if targetLanguage != "" {
		cfg.Translation.TargetLanguage = targetLanguage
	}
	if voice != "" {
		cfg.Synthesis.Voice = voice
	}

	config.ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, secrets, nil
}

// previewFingerprint computes the session fingerprint before the orchestrator
// runs, so the log file can carry it.
func previewFingerprint(cfg *config.Config) (string, error) {
	if cfg.Pipeline.InputText != "" && cfg.Pipeline.StartFrom != "extraction" {
		return session.Fingerprint([]string{"text:" + baseName(cfg.Pipeline.InputText)}), nil
	}
	paths, err := runfiles.DiscoverImages(cfg.Pipeline.InputDir)
	if err != nil {
		return "", err
	}
	return session.Fingerprint(runfiles.ItemIDs(paths)), nil
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func showProgress(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(sessionDir, slog.Default())
	if err != nil {
		return err
	}

	summaries, err := store.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-18s %-12s %-10s %-20s %s\n", "FINGERPRINT", "STAGE", "PROGRESS", "UPDATED", "PAGES")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range summaries {
		fmt.Printf("%-18s %-12s %8.1f%% %-20s %d/%d ok, %d failed\n",
			s.Fingerprint,
			s.Stage,
			s.Progress(),
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
			s.Succeeded,
			s.Total,
			s.Failed)
	}
	return nil
}

func inspectSession(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(sessionDir, slog.Default())
	if err != nil {
		return err
	}

	sess, err := store.Load(args[0])
	if err != nil {
		return err
	}

	pending, inProgress, succeeded, failed := sess.ItemCounts()

	fmt.Printf("Session:     %s\n", sess.Fingerprint)
	fmt.Printf("Run ID:      %s\n", sess.RunID)
	fmt.Printf("Stage:       %s\n", sess.Stage)
	fmt.Printf("Created:     %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", sess.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Pages:       %d total, %d succeeded, %d failed, %d pending\n",
		len(sess.Items), succeeded, failed, pending+inProgress)
	if len(sess.Elided) > 0 {
		fmt.Printf("Elided:      %s\n", strings.Join(sess.Elided, ", "))
	}

	for _, stage := range []models.Stage{models.StageCleaning, models.StageTranslation, models.StageSynthesis} {
		if rec, ok := sess.Document[stage]; ok {
			line := fmt.Sprintf("%-12s %s (attempts: %d)", stage+":", rec.Status, rec.AttemptCount)
			if rec.Error != "" {
				line += " error: " + rec.Error
			}
			fmt.Println(line)
		}
	}

	for _, item := range sess.Items {
		if item.Status == models.StatusFailed {
			fmt.Printf("  failed page %s: %s\n", item.ItemID, item.Error)
		}
	}
	return nil
}

func cleanupSessions(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(sessionDir, slog.Default())
	if err != nil {
		return err
	}

	age := time.Duration(cleanupDays) * 24 * time.Hour

	if !forceCleanup {
		fmt.Printf("Delete sessions not updated in the last %d days? [y/N] ", cleanupDays)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	removed, err := store.DeleteOlderThan(age)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d session(s).\n", removed)
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}
