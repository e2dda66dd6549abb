package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mycelica/hypha/internal/events"
	"mycelica/hypha/internal/imagecache"
	"mycelica/hypha/internal/orchestrate"
)

var (
	watchMetricsAddr string
	watchCheckEvery  time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session alive and the root set fresh",
	Long:  "Logs in, sends heartbeats, and re-syncs the root set whenever the refresh policy says it is stale. With --metrics-addr it also serves cached entity images, loading the root set's images after every sync. Runs until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		err = a.bus.Subscribe(events.TopicAll, func(e orchestrate.Event) {
			if e.Phase != orchestrate.PhaseDid {
				return
			}
			status := "ok"
			if e.Err != nil {
				status = describeError(e.Err)
			}
			fmt.Fprintf(out, "%s %-15s %s\n", e.At.Format(time.TimeOnly), e.Name, status)
		})
		if err != nil {
			return err
		}

		var images *imagecache.Loader
		if watchMetricsAddr != "" {
			if images, err = newImageLoader(ctx, a); err != nil {
				return err
			}
			defer images.Close()
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           serveMux(a, images),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			a.logger.Info("serving metrics", zap.String("addr", watchMetricsAddr))
		}

		if _, err := a.manager.Login(ctx).Wait(ctx); err != nil {
			return err
		}
		a.manager.StartHeartbeat(ctx, a.cfg.HeartbeatInterval)

		if watchCheckEvery <= 0 {
			return fmt.Errorf("--check-every must be positive")
		}
		ticker := time.NewTicker(watchCheckEvery)
		defer ticker.Stop()
		for {
			if a.manager.ShouldRefreshRootSet(false) {
				// failures are reported through the event stream
				res, err := a.manager.SyncRootSet(ctx, false).Wait(ctx)
				if err == nil && res.Refreshed && images != nil {
					warmImages(ctx, a, images)
				}
			}
			select {
			case <-ctx.Done():
				_, _ = a.manager.Logout(context.Background()).Wait(context.Background())
				return nil
			case <-ticker.C:
			}
		}
	},
}

func serveMux(a *app, images *imagecache.Loader) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/images/", imageHandler(a.manager, images))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.manager.Token() == "" {
			http.Error(w, "no session", http.StatusServiceUnavailable)
			return
		}
		st := images.Stats()
		fmt.Fprintf(w, "ok, root set synced %s, %d images cached (%d hits, %d misses)\n",
			syncAge(a.manager.ServerInfo().LastRootSync), st.Entries, st.Hits, st.Misses)
	})
	return mux
}

// warmImages loads the images of the root set into the cache so the first
// /images request for them is served from memory.
func warmImages(ctx context.Context, a *app, images *imagecache.Loader) {
	roots, err := a.manager.RootLevelEntities(ctx)
	if err != nil {
		a.logger.Warn("listing root set for image warm-up", zap.Error(err))
		return
	}
	loaded := 0
	for i := range roots {
		if ref, ok := roots[i].ImageURL.Get(); !ok || ref == "" {
			continue
		}
		if _, err := images.Get(ctx, &roots[i]); err != nil {
			a.logger.Debug("image warm-up failed", zap.String("perm_id", roots[i].PermID), zap.Error(err))
			continue
		}
		loaded++
	}
	a.logger.Info("root set images warmed", zap.Int("loaded", loaded), zap.Int("entries", images.Stats().Entries))
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /images/<perm-id> on this address")
	watchCmd.Flags().DurationVar(&watchCheckEvery, "check-every", time.Minute, "How often to evaluate the refresh policy")
	rootCmd.AddCommand(watchCmd)
}
