// Command remix-server runs the paid remix resource server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/CarsonRoscoe/remix-x402/internal/server"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
)

func main() {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "remix-server",
		Short:        "x402-paid AI remix server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), workerCmd(), promptCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and run the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := server.New(server.ConfigFromEnv())
			if err != nil {
				logrus.WithError(err).Fatal("startup failed")
			}
			return srv.Run(signalContext())
		},
	}
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the pending-work processor without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.ConfigFromEnv()
			srv, err := server.New(cfg)
			if err != nil {
				logrus.WithError(err).Fatal("startup failed")
			}

			ctx := signalContext()
			if once {
				result, err := srv.Worker().Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d, settled %d, errors %d (of %d)\n",
					result.Processed, result.Settled, result.Errors, result.Total)
				return nil
			}
			err = srv.Worker().RunLoop(ctx, cfg.WorkerInterval)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func promptCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "prompt [text]",
		Short: "Set the daily remix prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.ConfigFromEnv()
			st, err := store.Open(cfg.DatabasePath, logrus.StandardLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			day := time.Now()
			if date != "" {
				day, err = time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("parse --date: %w", err)
				}
			}

			dp, err := st.CreateDailyPrompt(cmd.Context(), day, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("prompt set for %s\n", dp.Date.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day the prompt applies to (YYYY-MM-DD, default today)")
	return cmd
}
