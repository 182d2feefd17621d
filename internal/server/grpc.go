package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	googleuuid "github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"vectorcore/internal/ingestion"
	"vectorcore/internal/observability"
	"vectorcore/internal/query"
)

// Server hosts the gRPC endpoint (health, reflection) and the HTTP/JSON
// query API served through a gateway mux.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	QueryService  *query.Service
	HealthChecker *observability.HealthChecker
	Injector      *ingestion.Injector

	// RebuildProjections re-derives projection tables from the record log.
	RebuildProjections func(ctx context.Context) error

	// TakeSnapshot captures and persists an engine snapshot, returning
	// the snapshot's sequence.
	TakeSnapshot func(ctx context.Context) (int64, error)
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
	}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.buildHTTPHandler(deps),
	}
	return s
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildHTTPHandler(deps *Deps) http.Handler {
	mux := runtime.NewServeMux()

	qs := deps.QueryService

	mux.HandlePath("GET", "/v1/balances/{user_id}", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		userID, ok := requireUUID(w, pathParams["user_id"])
		if !ok {
			return
		}
		resp, err := qs.GetBalance(r.Context(), userID)
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/positions/{user_id}", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		userID, ok := requireUUID(w, pathParams["user_id"])
		if !ok {
			return
		}
		resp, err := qs.GetPositions(r.Context(), userID)
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/markets", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		resp, err := qs.GetMarkets(r.Context())
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/funding/{user_id}", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		userID, ok := requireUUID(w, pathParams["user_id"])
		if !ok {
			return
		}
		q := r.URL.Query()

		var marketIndex *uint16
		if v := q.Get("market"); v != "" {
			idx, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid market index")
				return
			}
			mi := uint16(idx)
			marketIndex = &mi
		}

		var before *int64
		if v := q.Get("before"); v != "" {
			seq, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid cursor")
				return
			}
			before = &seq
		}

		resp, err := qs.GetFundingHistory(r.Context(), userID, marketIndex, pageSize(q.Get("limit"), 50, 100), before)
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/liquidations/{user_id}", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		userID, ok := requireUUID(w, pathParams["user_id"])
		if !ok {
			return
		}
		resp, err := qs.GetLiquidationHistory(r.Context(), userID, pageSize(r.URL.Query().Get("limit"), 50, 100))
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/records", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		q := r.URL.Query()
		var from int64
		if v := q.Get("from"); v != "" {
			seq, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid from sequence")
				return
			}
			from = seq
		}
		resp, err := qs.GetRecords(r.Context(), from, pageSize(q.Get("limit"), 100, 1000))
		respond(w, resp, err)
	})

	mux.HandlePath("GET", "/v1/integrity", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		resp, err := qs.VerifyIntegrity(r.Context())
		respond(w, resp, err)
	})

	mux.HandlePath("POST", "/v1/admin/rebuild", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if deps.RebuildProjections == nil {
			writeError(w, http.StatusNotImplemented, "rebuild not configured")
			return
		}
		if err := deps.RebuildProjections(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, map[string]bool{"rebuilt": true}, nil)
	})

	mux.HandlePath("POST", "/v1/admin/inject/oracle", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if deps.Injector == nil {
			writeError(w, http.StatusNotImplemented, "injection not configured")
			return
		}
		var body struct {
			Authority   string `json:"authority"`
			MarketIndex uint16 `json:"market_index"`
			Price       uint64 `json:"price"`
			Confidence  uint8  `json:"confidence"`
			Slot        uint64 `json:"slot"`
			Sequence    int64  `json:"sequence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		authority, err := googleuuid.Parse(body.Authority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid authority")
			return
		}
		if err := deps.Injector.InjectOraclePrice(r.Context(), authority, body.MarketIndex, body.Price, body.Confidence, body.Slot, body.Sequence); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, map[string]bool{"queued": true}, nil)
	})

	mux.HandlePath("POST", "/v1/admin/inject/funding", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if deps.Injector == nil {
			writeError(w, http.StatusNotImplemented, "injection not configured")
			return
		}
		var body struct {
			MarketIndex uint16 `json:"market_index"`
			Sequence    int64  `json:"sequence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := deps.Injector.InjectFundingTick(r.Context(), body.MarketIndex, body.Sequence); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, map[string]bool{"queued": true}, nil)
	})

	mux.HandlePath("POST", "/v1/admin/snapshot", func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		if deps.TakeSnapshot == nil {
			writeError(w, http.StatusNotImplemented, "snapshots not configured")
			return
		}
		seq, err := deps.TakeSnapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respond(w, map[string]int64{"sequence": seq}, nil)
	})

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// ============================================================================
// Helpers
// ============================================================================

func requireUUID(w http.ResponseWriter, raw string) (googleuuid.UUID, bool) {
	id, err := googleuuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return googleuuid.UUID{}, false
	}
	return id, true
}

func pageSize(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func respond(w http.ResponseWriter, payload interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
