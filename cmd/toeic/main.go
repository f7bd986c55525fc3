package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/toeicprep/toeic/internal/auth"
	"github.com/toeicprep/toeic/internal/handler"
	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/llm"
	"github.com/toeicprep/toeic/internal/llm/prompts"
	"github.com/toeicprep/toeic/internal/mastery"
	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/practice"
	"github.com/toeicprep/toeic/internal/scheduler"
	"github.com/toeicprep/toeic/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toeic",
		Short: "TOEIC practice server with mastery tracking and daily goals",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), rolloverCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `toeic --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "toeic.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func engineFlags(cmd *cobra.Command) {
	d := mastery.DefaultConfig()
	f := cmd.Flags()
	f.Float64("pass-threshold", d.PassThreshold, "Confidence (0-100) at which a timed performance passes")
	f.Int("gain", d.Gain, "Mastery level gained on a pass")
	f.Int("penalty", d.Penalty, "Mastery level lost on a failure")
	f.Int("mastered-level", d.MasteredLevel, "Level at which an item leaves the rotation")
	f.Int("window", d.Window, "Pick the next item among the N weakest")
	f.String("timezone", "UTC", "IANA time zone of the daily-goal calendar")
	f.StringSlice("goal", nil, "Daily goal target as type=value (repeatable, e.g. questions_answered=20)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP practice server",
		RunE:  runServe,
	}
	commonFlags(cmd)
	engineFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("items", "i", nil, "Paths to item JSON files imported at startup (repeatable)")
	f.StringP("lang", "l", "en", "Default message language (en, vi)")
	f.Int("retry-attempts", practice.DefaultRetryConfig().MaxAttempts, "Storage attempts per write (at most 3)")
	f.Duration("retry-timeout", practice.DefaultRetryConfig().Timeout, "Time bound of each storage attempt")
	f.Duration("timed-limit", practice.DefaultTimedLimit, "Countdown of speaking and writing challenges")
	f.Int("lives", practice.DefaultLives, "Lives of a practice session")
	f.Duration("session-budget", 0, "Time budget of a practice session (0 = untimed)")
	f.String("cohort", "", "Default cohort name of progress exports")
	f.String("jwt-secret", "", "Secret for signing access tokens (or set TOEIC_JWT_SECRET)")
	f.Duration("token-ttl", auth.DefaultTTL, "Access token lifetime")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables transcript rating)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Rating prompt variant (strict, standard, lenient)")
	f.String("admin-password", "", "Initial admin password (or set TOEIC_ADMIN_PASSWORD)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import practice items from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export learner progress as JSON",
		RunE:  runExport,
	}
	commonFlags(cmd)
	engineFlags(cmd)
	f := cmd.Flags()
	f.String("cohort", "", "Cohort name for output (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("cohort")

	return cmd
}

func rolloverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Create today's daily goals for every active learner",
		RunE:  runRollover,
	}
	commonFlags(cmd)
	engineFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TOEIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("toeic")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/toeic")
	v.AddConfigPath("/etc/toeic")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// engineConfig reads the mastery and calendar settings shared by serve,
// export and rollover.
func engineConfig(v *viper.Viper) (mastery.Config, *time.Location, []model.GoalTarget, error) {
	cfg := mastery.Config{
		PassThreshold: v.GetFloat64("pass-threshold"),
		Gain:          v.GetInt("gain"),
		Penalty:       v.GetInt("penalty"),
		MasteredLevel: v.GetInt("mastered-level"),
		Window:        v.GetInt("window"),
	}
	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("load timezone: %w", err)
	}
	targets, err := parseGoalTargets(v.GetStringSlice("goal"))
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, loc, targets, nil
}

// parseGoalTargets parses type=value pairs. No pairs means the defaults.
func parseGoalTargets(pairs []string) ([]model.GoalTarget, error) {
	if len(pairs) == 0 {
		return scheduler.DefaultTargets, nil
	}
	known := map[model.GoalType]bool{
		model.GoalQuestionsAnswered: true,
		model.GoalCorrectAnswers:    true,
		model.GoalMinutesStudied:    true,
		model.GoalWordsReviewed:     true,
		model.GoalSpeakingPracticed: true,
		model.GoalLessonsCompleted:  true,
	}
	targets := make([]model.GoalTarget, 0, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("goal %q: expected type=value", pair)
		}
		t := model.GoalType(strings.TrimSpace(name))
		if !known[t] {
			return nil, fmt.Errorf("goal %q: unknown type %q", pair, t)
		}
		target, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || target < 0 {
			return nil, fmt.Errorf("goal %q: invalid target %q", pair, value)
		}
		targets = append(targets, model.GoalTarget{Type: t, Target: target})
	}
	return targets, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	masteryCfg, loc, targets, err := engineConfig(v)
	if err != nil {
		return err
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if err := loadItems(cmd.Context(), db, v.GetStringSlice("items")); err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	tokens, err := auth.NewIssuer(v.GetString("jwt-secret"), v.GetDuration("token-ttl"))
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}

	// The LLM only rates transcripts; without it recordings carry their
	// own confidence.
	var scorer practice.SpeechScorer
	if url := v.GetString("llm-url"); url != "" {
		promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(promptVariant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
			promptVariant = string(prompts.PromptStandard)
		}
		llmClient, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), prompts.PromptVariant(promptVariant))
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		if err := llmClient.Ping(context.Background()); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"))
		scorer = llmClient
	}

	svc := practice.NewService(db, scorer, practice.Config{
		Mastery: masteryCfg,
		Retry: practice.RetryConfig{
			MaxAttempts: v.GetInt("retry-attempts"),
			Timeout:     v.GetDuration("retry-timeout"),
		},
		Location:   loc,
		TimedLimit: v.GetDuration("timed-limit"),
	})
	defer svc.Close()

	sched := scheduler.New(db, targets, loc)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	h := handler.New(db, svc, tokens, handler.Config{
		SessionLives:  v.GetInt("lives"),
		SessionBudget: v.GetDuration("session-budget"),
		Cohort:        v.GetString("cohort"),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"timezone", loc.String(),
			"pass_threshold", svc.PassThreshold(),
			"timed_limit", v.GetDuration("timed-limit"),
			"llm", scorer != nil,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadItems(cmd.Context(), db, args)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	masteryCfg, loc, _, err := engineConfig(v)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc := practice.NewService(db, nil, practice.Config{Mastery: masteryCfg, Location: loc})
	defer svc.Close()

	export, err := svc.ExportProgress(cmd.Context(), v.GetString("cohort"))
	if err != nil {
		return fmt.Errorf("export progress: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runRollover(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	_, loc, targets, err := engineConfig(v)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	created, err := scheduler.New(db, targets, loc).Rollover(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %d goals\n", created)
	return nil
}

func loadItems(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("items file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("items file changed since last import, skipping to avoid duplicate items",
				"path", path)
			continue
		}

		var batch []model.ItemImport
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		n, err := db.ImportItems(ctx, batch)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported items", "path", path, "count", n)
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or TOEIC_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
