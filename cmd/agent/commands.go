package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"c2dagent/internal/api"
	"c2dagent/internal/attestation"
	"c2dagent/internal/coordinator"
)

const shutdownGrace = 15 * time.Second

// loadCriteria 读取 YAML 或 JSON 格式的核验条件文件。
func loadCriteria(path string) (attestation.ProofCriteria, error) {
	var c attestation.ProofCriteria
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read criteria: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse criteria: %w", err)
	}
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand() *cobra.Command {
	var subject, criteriaPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one attested compute job and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			criteria, err := loadCriteria(criteriaPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildAgent(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			res := a.coordinator.Run(ctx, coordinator.JobRequest{SubjectID: subject, Criteria: criteria})
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("job %s ended with status %s", res.JobID, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier to attest (DID)")
	cmd.Flags().StringVar(&criteriaPath, "criteria", "", "YAML/JSON proof criteria file")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve job history over HTTP and websocket, accepting job submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildAgent(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			hub := api.NewHub(a.recorder.GetHistory, logger)
			defer hub.Close()
			a.recorder.OnPersist(hub.Publish)

			srv := api.NewServer(ctx, a.recorder, a.coordinator, hub, logger)
			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Infof("listening on %s", cfg.Server.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
			defer done()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("http shutdown: %v", err)
			}
			srv.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history [job-id]",
		Short: "Print the job history, or one persisted job record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := newRecorder(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rec.Store().Close()

			if len(args) == 1 {
				job, err := rec.GetJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				return printJSON(job)
			}
			hist, err := rec.GetHistory(ctx)
			if err != nil {
				return err
			}
			return printJSON(hist)
		},
	}
}
