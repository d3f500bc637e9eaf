package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/sunrise-health/emr-analytics/pkg/aggregator"
	"github.com/sunrise-health/emr-analytics/pkg/api"
	"github.com/sunrise-health/emr-analytics/pkg/cleaner"
	"github.com/sunrise-health/emr-analytics/pkg/common/config"
	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
	"github.com/sunrise-health/emr-analytics/pkg/pipeline"
	"github.com/sunrise-health/emr-analytics/pkg/report"
	"github.com/sunrise-health/emr-analytics/pkg/source"
	"github.com/sunrise-health/emr-analytics/pkg/terminology"
)

func main() {
	logger.Init()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		logger.Log.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "emr-analytics",
		Short:         "Patient record analysis pipeline",
		Long:          "Fetches patient records from the record source, cleans them, computes cohort statistics, and exports charts and a summary report.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("source-url", "", "record source base URL (overrides SOURCE_BASE_URL)")
	root.PersistentFlags().String("api-key", "", "record source API key (overrides SOURCE_API_KEY)")
	root.PersistentFlags().String("output-dir", "", "report output directory (overrides OUTPUT_DIR)")
	root.PersistentFlags().String("reference-date", "", "age reference date, YYYY-MM-DD (overrides REFERENCE_DATE)")
	root.PersistentFlags().String("dedup-policy", "", "duplicate id policy: first, last, or reject (overrides DEDUP_POLICY)")
	root.PersistentFlags().String("terminology", "", "condition catalog YAML path (overrides TERMINOLOGY_PATH)")
	root.PersistentFlags().Int("bucket-width", 0, "age bucket width in years (overrides BUCKET_WIDTH)")
	root.PersistentFlags().Int("min-age", -1, "cohort minimum age, inclusive (overrides MIN_AGE)")
	root.PersistentFlags().Int("max-age", -1, "cohort maximum age, inclusive (overrides MAX_AGE)")

	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one fetch-clean-aggregate-export pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)

			p, filter, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, _, err := p.Run(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: %d fetched, %d accepted, %d rejected; reports in %s\n",
				result.RunID, result.Total, result.Accepted, result.Rejected, result.OutputDir)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)

			p, _, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			handler := api.NewHandler(p)

			router := mux.NewRouter()
			router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status":"healthy"}`))
			}).Methods(http.MethodGet)
			router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status":"ready"}`))
			}).Methods(http.MethodGet)

			v1 := router.PathPrefix("/api/v1").Subrouter()
			handler.Register(v1)

			server := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      router,
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Log.WithField("addr", cfg.ListenAddr).Info("serve mode started")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-quit:
			}

			logger.Log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen-addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

// loadConfig reads env config and applies any flags the user set.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()

	flags := cmd.Flags()
	if flags.Changed("source-url") {
		cfg.SourceBaseURL, _ = flags.GetString("source-url")
	}
	if flags.Changed("api-key") {
		cfg.SourceAPIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("reference-date") {
		cfg.ReferenceDate, _ = flags.GetString("reference-date")
	}
	if flags.Changed("dedup-policy") {
		cfg.DedupPolicy, _ = flags.GetString("dedup-policy")
	}
	if flags.Changed("terminology") {
		cfg.TerminologyPath, _ = flags.GetString("terminology")
	}
	if flags.Changed("bucket-width") {
		cfg.BucketWidth, _ = flags.GetInt("bucket-width")
	}
	if flags.Changed("min-age") {
		cfg.MinAge, _ = flags.GetInt("min-age")
	}
	if flags.Changed("max-age") {
		cfg.MaxAge, _ = flags.GetInt("max-age")
	}
	if flags.Changed("listen-addr") {
		cfg.ListenAddr, _ = flags.GetString("listen-addr")
	}
	return cfg
}

func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *models.CohortFilter, error) {
	policy, err := cleaner.ParseDedupPolicy(cfg.DedupPolicy)
	if err != nil {
		return nil, nil, err
	}

	cleanOpts := cleaner.Options{DedupPolicy: policy}
	if cfg.ReferenceDate != "" {
		ref, err := time.Parse("2006-01-02", cfg.ReferenceDate)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid reference date %q: %w", cfg.ReferenceDate, err)
		}
		cleanOpts.ReferenceDate = ref
	}

	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil && cfg.TerminologyPath != "" {
		return nil, nil, fmt.Errorf("loading terminology catalog: %w", err)
	}

	src := source.New(source.Config{
		BaseURL:      cfg.SourceBaseURL,
		APIKey:       cfg.SourceAPIKey,
		ClientID:     cfg.SourceClientID,
		ClientSecret: cfg.SourceClientSecret,
		TokenURL:     cfg.SourceTokenURL,
		Timeout:      cfg.SourceTimeout,
		MaxAttempts:  cfg.SourceMaxAttempts,
		MaxPages:     cfg.SourceMaxPages,
	})

	p := pipeline.New(
		src,
		cleanOpts,
		aggregator.Options{BucketWidth: cfg.BucketWidth, Catalog: catalog},
		report.NewExporter(cfg.OutputDir),
	)

	var filter *models.CohortFilter
	if cfg.MinAge >= 0 || cfg.MaxAge >= 0 {
		if cfg.MinAge < 0 || cfg.MaxAge < 0 {
			return nil, nil, fmt.Errorf("min age and max age must be set together")
		}
		filter = &models.CohortFilter{MinAge: cfg.MinAge, MaxAge: cfg.MaxAge}
		if err := aggregator.ValidateFilter(filter); err != nil {
			return nil, nil, err
		}
	}

	return p, filter, nil
}
