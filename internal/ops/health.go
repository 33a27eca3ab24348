// Package ops exposes the operational HTTP surface: liveness and readiness
// probes for the long-running processes.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

const probeTimeout = 2 * time.Second

// Probe checks one dependency. Implementations must respect the context
// deadline.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Server serves /health/live and /health/ready.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the ops server. Liveness always succeeds while the
// process runs; readiness runs all probes concurrently and reports 503 if
// any fails.
func NewServer(port string, probes []Probe, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), probeTimeout)
		defer cancel()

		var (
			mu       sync.Mutex
			failures []string
			wg       sync.WaitGroup
		)
		for _, p := range probes {
			wg.Add(1)
			go func(p Probe) {
				defer wg.Done()
				if err := p.Check(ctx); err != nil {
					mu.Lock()
					failures = append(failures, p.Name())
					mu.Unlock()
					logger.WarnContext(ctx, "readiness probe failed",
						slog.String("probe", p.Name()),
						slog.String("error", err.Error()))
				}
			}(p)
		}
		wg.Wait()

		if len(failures) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve runs the listener until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// PoolProbe checks database connectivity.
type PoolProbe struct {
	Pool *pgxpool.Pool
}

func (PoolProbe) Name() string { return "database" }

func (p PoolProbe) Check(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// QueueProbe checks that the delivery queue is reachable.
type QueueProbe struct {
	Client   *sqs.Client
	QueueURL string
}

func (QueueProbe) Name() string { return "delivery-queue" }

func (p QueueProbe) Check(ctx context.Context) error {
	_, err := p.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.QueueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	return err
}
