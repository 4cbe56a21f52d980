package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"sentinel_trader/config"
	"sentinel_trader/logs"
	sig "sentinel_trader/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	run := newRunCmd(opts)

	cmd := &cobra.Command{
		Use:          "sentinel",
		Short:        "Risk-gated execution cycle for a single MT5 symbol",
		SilenceUsage: true,
		RunE:         run.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config/config.yaml", "Path to the config.yaml file")
	cmd.Flags().AddFlagSet(run.Flags())

	cmd.AddCommand(
		run,
		newAccountCmd(opts),
		newPositionsCmd(opts),
		newCloseCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// bootstrap loads .env, the config file and the logger, then builds the orchestrator.
func bootstrap(opts *rootOptions, signals sig.Source) (*Orchestrator, *logs.Logger, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load config file '%s': %w", opts.configPath, err)
	}
	envCfg := config.LoadEnvConfig()

	logFilename := filepath.Join(cfg.Normal.LogDirectory, strings.ToUpper(cfg.Symbol)+"_bot.log")
	log, err := logs.New(cfg.Logs, logFilename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging system: %w", err)
	}
	log.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	o, err := NewOrchestrator(cfg, envCfg, signals, log)
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	return o, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution cycle until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			var signals sig.Source = sig.None{}
			if script != "" {
				var actions []sig.Action
				for _, part := range strings.Split(script, ",") {
					a, err := sig.ParseAction(part)
					if err != nil {
						return err
					}
					actions = append(actions, a)
				}
				signals = sig.NewScripted(actions...)
			}

			o, log, err := bootstrap(opts, signals)
			if err != nil {
				return err
			}
			defer log.Close()
			defer o.Close()

			ctx, stop := signalContext()
			defer stop()
			return o.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&script, "signals", "", "Comma-separated actions (buy,sell,hold) replayed one per tick")
	return cmd
}

func newAccountCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Print the terminal account snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, log, err := bootstrap(opts, nil)
			if err != nil {
				return err
			}
			defer log.Close()
			defer o.Close()

			ctx, stop := signalContext()
			defer stop()
			acct, err := o.Account(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "login\t%d\n", acct.Login)
			fmt.Fprintf(w, "balance\t%.2f %s\n", acct.Balance, acct.Currency)
			fmt.Fprintf(w, "equity\t%.2f\n", acct.Equity)
			fmt.Fprintf(w, "margin\t%.2f\n", acct.Margin)
			fmt.Fprintf(w, "free margin\t%.2f\n", acct.FreeMargin)
			fmt.Fprintf(w, "margin level\t%.2f%%\n", acct.MarginLevel)
			fmt.Fprintf(w, "leverage\t1:%d\n", acct.Leverage)
			return w.Flush()
		},
	}
}

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List open positions on the configured symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, log, err := bootstrap(opts, nil)
			if err != nil {
				return err
			}
			defer log.Close()
			defer o.Close()

			ctx, stop := signalContext()
			defer stop()
			positions, err := o.Positions(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TICKET\tSIDE\tVOLUME\tOPEN\tCURRENT\tSL\tTP\tPROFIT")
			for _, p := range positions {
				fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
					p.Ticket, p.Side, p.Volume, p.OpenPrice, p.CurrentPrice, p.StopLoss, p.TakeProfit, p.Profit)
			}
			return w.Flush()
		},
	}
}

func newCloseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <ticket>",
		Short: "Close one open position at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad ticket %q: %w", args[0], err)
			}
			o, log, err := bootstrap(opts, nil)
			if err != nil {
				return err
			}
			defer log.Close()
			defer o.Close()

			ctx, stop := signalContext()
			defer stop()
			if err := o.ClosePosition(ctx, ticket); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "position %d closed\n", ticket)
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		timeframe string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent OHLC bars for the configured symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			o, log, err := bootstrap(opts, nil)
			if err != nil {
				return err
			}
			defer log.Close()
			defer o.Close()

			ctx, stop := signalContext()
			defer stop()
			candles, err := o.Candles(ctx, timeframe, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
			for _, c := range candles {
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%d\n",
					c.Time.UTC().Format("2006-01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.Volume)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "1h", "Bar size: 1m 5m 15m 30m 1h 4h 1d")
	cmd.Flags().IntVar(&limit, "limit", 50, "Number of bars")
	return cmd
}
