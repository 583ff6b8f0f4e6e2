package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/controllers"
	"github.com/myorg/nodedrainer/pkg/config"
	"github.com/myorg/nodedrainer/pkg/metrics"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var configFile string
	opts := zap.Options{Development: true}

	root := &cobra.Command{
		Use:           "nodedrainer",
		Short:         "Drain instances leaving an auto scaling group before they terminate",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
			return nil
		},
	}

	zapFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.BindFlags(zapFlags)
	root.PersistentFlags().AddGoFlagSet(zapFlags)
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML configuration file.")
	root.PersistentFlags().String("region", "", "AWS region of the auto scaling group.")
	_ = v.BindPFlag("region", root.PersistentFlags().Lookup("region"))

	root.AddCommand(newHandleCommand(v), newListenCommand(v))
	return root
}

func newHandleCommand(v *viper.Viper) *cobra.Command {
	var eventFile string
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Handle a single lifecycle notification and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := ctrl.SetupSignalHandler()
			lg := log.FromContext(ctx).WithName("handle")
			ctx = log.IntoContext(ctx, lg)

			body, err := readEvent(cmd.InOrStdin(), eventFile)
			if err != nil {
				return err
			}
			action, err := v1alpha1.ParseLifecycleAction(body)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			h, err := controllers.NewLifecycleHandler(ctx, controllers.NewProviderFactory(), cfg, metrics.New(), holderID())
			if err != nil {
				return err
			}
			report, err := h.Handle(ctx, action)
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					lg.Error(encErr, "cannot write report")
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "-", "Lifecycle notification JSON file, or - for stdin.")
	return cmd
}

func newListenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Handle lifecycle notifications delivered through an SQS queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := ctrl.SetupSignalHandler()
			lg := log.FromContext(ctx).WithName("listen")
			ctx = log.IntoContext(ctx, lg)

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.Queue.URL == "" {
				return fmt.Errorf("%w: queue.url is required to listen", config.ErrInvalid)
			}

			m := metrics.New()
			pf := controllers.NewProviderFactory()
			h, err := controllers.NewLifecycleHandler(ctx, pf, cfg, m, holderID())
			if err != nil {
				return err
			}
			prov, err := pf.Get(ctx, cfg.Region)
			if err != nil {
				return err
			}

			srv := metrics.NewServer(cfg.Metrics.Address, m)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					lg.Error(err, "metrics server stopped")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			l := &controllers.Listener{
				Queue:       prov.Queue(cfg.Queue.URL, cfg.Queue.WaitTime, cfg.Queue.VisibilityTimeout),
				Handler:     h,
				MaxMessages: cfg.Queue.MaxMessages,
				RetryDelay:  cfg.Queue.RetryDelay,
				Metrics:     m,
			}
			return l.Run(ctx)
		},
	}
	cmd.Flags().String("queue-url", "", "SQS queue receiving lifecycle notifications.")
	_ = v.BindPFlag("queue.url", cmd.Flags().Lookup("queue-url"))
	return cmd
}

func readEvent(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return b, nil
}

// holderID names this process in drain leases.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
