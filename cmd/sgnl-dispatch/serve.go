package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	client "github.com/gwillem/signal-dispatch"
)

const maxDispatchBody = 64 * 1024

type serveCommand struct {
	Listen string `short:"l" long:"listen" description:"Listen address (default from config)"`
}

// dispatcher is the part of the client the HTTP API uses.
type dispatcher interface {
	Send(ctx context.Context, recipients []string, text string) client.Result
}

type dispatchRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

type dispatchFailure struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

type dispatchResponse struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []dispatchFailure `json:"failed"`
}

func newRouter(d dispatcher, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	r.Post("/v1/dispatch", dispatchHandler(d))
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func dispatchHandler(d dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDispatchBody)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Recipients) == 0 || req.Message == "" {
			http.Error(w, "recipients and message are required", http.StatusBadRequest)
			return
		}

		res := d.Send(r.Context(), req.Recipients, req.Message)
		resp := dispatchResponse{Succeeded: res.Succeeded, Failed: []dispatchFailure{}}
		if resp.Succeeded == nil {
			resp.Succeeded = []string{}
		}
		for _, e := range res.Errors {
			resp.Failed = append(resp.Failed, dispatchFailure{
				Recipient: e.Recipient,
				Reason:    string(e.Reason),
				Error:     e.Cause.Error(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func (cmd *serveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, e, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	logger := e.logger

	addr := cmd.Listen
	if addr == "" {
		addr = e.cfg.Metrics.Listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(c, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Str("local", c.LocalID()).Msg("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
