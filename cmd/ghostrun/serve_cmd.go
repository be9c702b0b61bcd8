package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/orchestrator"
	"github.com/ghostrun/ghostbrowser/internal/statusbus/wsadapter"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ghostrun as an HTTP/WS service: submit tasks, stream status, snapshot pool state",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8765, "HTTP listen port")
}

type submitRequest struct {
	Text   string `json:"text"`
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", handleSubmit(rt.orch))
	mux.HandleFunc("/snapshot", handleSnapshot(rt.orch))
	mux.HandleFunc("/status", wsadapter.Handler(ctx, rt.orch.Bus(), logger))

	addr := fmt.Sprintf(":%d", servePort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("ghostrun serving", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	fmt.Printf("ghostrun listening on %s (POST /submit, GET /snapshot, GET /status?task=<id>)\n", addr)
	fmt.Println("Press Ctrl+C to shutdown")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("runtime shutdown error", zap.Error(err))
	}
	return nil
}

func handleSubmit(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Mode == "" {
			req.Mode = "AUTO"
		}
		if req.Source == "" {
			req.Source = "http"
		}
		res := orch.Submit(r.Context(), orchestrator.SubmitInput{Text: req.Text, Mode: req.Mode, Source: req.Source})
		w.Header().Set("Content-Type", "application/json")
		if !res.Accepted {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

func handleSnapshot(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := orch.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}
