package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/javi11/otpfetch"
	"github.com/javi11/otpfetch/internal/config"
	"github.com/javi11/otpfetch/pkg/imapstore"
)

var errNotFound = errors.New("no artifact found")

type fetchOptions struct {
	kind        string
	json        bool
	showMetrics bool
	metricsAddr string
	timeout     time.Duration
}

func newFetchCmd(g *globalOptions) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch <target>...",
		Short: "Fetch the latest artifact addressed to each target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(g.configPath, g.envFiles...)
			if err != nil {
				return err
			}

			log, err := file.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			fc, err := file.FetcherConfig()
			if err != nil {
				return err
			}

			fc.Logger = log
			fc.Dialer = imapstore.NewDialer(file.StoreConfig())

			f, err := otpfetch.NewFetcher(fc)
			if err != nil {
				return err
			}
			defer f.Shutdown()

			if opts.metricsAddr != "" {
				srv := serveMetrics(opts.metricsAddr, f, log)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()

					_ = srv.Shutdown(ctx)
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			return runFetch(ctx, f, args, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", otpfetch.KindCode, "request kind from the kinds table")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print one JSON result per line")
	cmd.Flags().BoolVar(&opts.showMetrics, "show-metrics", false, "print a metrics snapshot when done")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall deadline for all targets (0 waits for the retry budget)")

	return cmd
}

type fetchOutcome struct {
	Target string           `json:"target"`
	Result *otpfetch.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// runFetch fetches every target concurrently and prints one line per target
// in argument order.
func runFetch(ctx context.Context, f otpfetch.Fetcher, targets []string, opts *fetchOptions, w io.Writer) error {
	outcomes := make([]fetchOutcome, len(targets))

	g := multierror.Group{}

	for i, target := range targets {
		g.Go(func() error {
			res, err := f.Fetch(ctx, target, opts.kind)

			outcomes[i] = fetchOutcome{Target: target, Result: res}
			if err != nil {
				outcomes[i].Error = err.Error()

				return fmt.Errorf("%s: %w", target, err)
			}

			return nil
		})
	}

	merr := g.Wait()

	notFound := 0
	enc := json.NewEncoder(w)

	for _, o := range outcomes {
		if o.Result == nil && o.Error == "" {
			notFound++
		}

		if opts.json {
			if err := enc.Encode(o); err != nil {
				return err
			}

			continue
		}

		switch {
		case o.Error != "":
			fmt.Fprintf(w, "%s\terror: %s\n", o.Target, o.Error)
		case o.Result == nil:
			fmt.Fprintf(w, "%s\tnot found\n", o.Target)
		default:
			fmt.Fprintf(w, "%s\t%s\n", o.Target, o.Result.Artifact)
		}
	}

	if opts.showMetrics {
		if err := printMetrics(w, f.Metrics()); err != nil {
			return err
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return err
	}

	if notFound > 0 {
		return fmt.Errorf("%w for %d of %d target(s)", errNotFound, notFound, len(targets))
	}

	return nil
}

func printMetrics(w io.Writer, m otpfetch.MetricsSnapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(m)
}

func serveMetrics(addr string, src otpfetch.MetricsSource, log *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		otpfetch.NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics", "addr", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	return srv
}
