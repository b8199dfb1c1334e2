package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sdio/core"
	"sdio/host/metrics"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the slot and export the card over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.Serve.Listen, _ = cmd.Flags().GetString("listen")
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	obs, err := metrics.New(reg)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, a.cfg, a.log, obs)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              a.cfg.Serve.Listen,
		Handler:           newRouter(s, reg, a.log.WithName("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serving", "listen", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watchSlot(gctx, s.card, a.cfg.Serve.PollInterval, a.log.WithName("slot"))
		return nil
	})
	return g.Wait()
}

// watchSlot polls card detect until ctx ends
func watchSlot(ctx context.Context, card *core.Card, interval time.Duration, log logr.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ev, err := card.Poll(ctx)
		switch {
		case err != nil:
			log.Error(err, "card poll failed")
		case ev != core.CardUnchanged:
			info := card.GetCardInfo()
			log.Info("slot changed", "event", ev.String(), "volume", info.VolumeID().String(), "blocks", info.DeviceSize/core.BlockSize)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newRouter(s *session, reg *prometheus.Registry, log logr.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/card", func(w http.ResponseWriter, req *http.Request) {
		info := s.card.GetCardInfo()
		if !info.Valid {
			http.Error(w, "no card", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newCardView(info)); err != nil {
			log.Error(err, "encode card")
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{lba:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		lba, err := strconv.ParseUint(mux.Vars(req)["lba"], 10, 32)
		if err != nil {
			http.Error(w, "bad block address", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		buf := make([]byte, core.BlockSize)
		if err := s.card.ReadBlocks(req.Context(), uint32(lba), 1, buf); err != nil {
			http.Error(w, err.Error(), blockStatus(err))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf)
	}).Methods(http.MethodGet)
	return r
}

func blockStatus(err error) int {
	switch core.Code(err) {
	case core.NotConfigured:
		return http.StatusServiceUnavailable
	case core.AddrOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	}
	return http.StatusInternalServerError
}
