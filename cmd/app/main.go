package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"backtest_go/internal/app"

	_ "net/http/pprof" // For pprof profiling
	_ "time/tzdata"    // exchange time zones without a system zoneinfo
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "backtest",
	Short:         "Minute-resolution backtest with incremental daily aggregation and order slicing",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write configured assets, sessions and synthetic minute bars into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, _ := cmd.Flags().GetUint64("seed")
		return withBootstrap(cmd.Context(), func(ctx context.Context, b *app.Bootstrap) error {
			n, err := b.Seed(ctx, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d minute bars for %d assets\n", n, len(b.Assets))
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay every configured session through the strategy and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("pprof"); addr != "" {
			// Pprof Server (for performance profiling)
			go func() {
				slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
				if err := http.ListenAndServe(addr, nil); err != nil {
					slog.Error("Pprof server failed", slog.Any("error", err))
				}
			}()
		}

		return withBootstrap(cmd.Context(), func(ctx context.Context, b *app.Bootstrap) error {
			sim, err := b.Build(ctx)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "✅ Simulation wired, starting replay", slog.String("mode", b.Config.Execution.Mode))

			res, err := sim.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var sliceCmd = &cobra.Command{
	Use:   "slice",
	Short: "Run a single division at one minute and print the fragments",
	RunE: func(cmd *cobra.Command, args []string) error {
		sid, _ := cmd.Flags().GetInt64("sid")
		atRaw, _ := cmd.Flags().GetString("at")
		capitalRaw, _ := cmd.Flags().GetString("capital")
		held, _ := cmd.Flags().GetInt64("held")

		at, err := time.Parse(time.RFC3339, atRaw)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		req := app.SliceRequest{Sid: sid, At: at, Held: held}
		if capitalRaw != "" {
			if req.Capital, err = decimal.NewFromString(capitalRaw); err != nil {
				return fmt.Errorf("--capital: %w", err)
			}
		}
		if !req.Capital.IsPositive() && held == 0 {
			return fmt.Errorf("either --capital or --held is required")
		}

		return withBootstrap(cmd.Context(), func(ctx context.Context, b *app.Bootstrap) error {
			fragments, err := b.Slice(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, fragments)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")

	seedCmd.Flags().Uint64("seed", 1, "random walk seed")

	runCmd.Flags().String("pprof", "", "serve pprof on this address, e.g. localhost:6060")

	sliceCmd.Flags().Int64("sid", 0, "asset sid")
	sliceCmd.Flags().String("at", "", "decision minute, RFC3339")
	sliceCmd.Flags().String("capital", "", "capital to spend")
	sliceCmd.Flags().Int64("held", 0, "shares held, exited when no capital is given")
	_ = sliceCmd.MarkFlagRequired("sid")
	_ = sliceCmd.MarkFlagRequired("at")

	rootCmd.AddCommand(seedCmd, runCmd, sliceCmd)
}

// withBootstrap initializes the system, runs fn and releases the database.
func withBootstrap(ctx context.Context, fn func(context.Context, *app.Bootstrap) error) error {
	bootstrap := app.NewBootstrap(configPath)
	if err := bootstrap.Initialize(); err != nil {
		return fmt.Errorf("bootstrapping failed: %w", err)
	}
	defer bootstrap.Close()
	return fn(ctx, bootstrap)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("❌ Command failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
