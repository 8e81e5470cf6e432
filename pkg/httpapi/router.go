package httpapi

import (
	"net/http"

	"github.com/asyncgate/asyncgate/pkg/identity"
	"github.com/asyncgate/asyncgate/pkg/ratelimit"
)

// Options configures the middleware chain wrapped around the router.
type Options struct {
	TokenManager *identity.TokenManager
	CORS         CORSConfig
	RateLimiter  ratelimit.Limiter // nil disables rate limiting
	RatePolicy   ratelimit.Policy
}

// NewRouter builds the full HTTP handler: request-id, CORS, auth and rate
// limiting middleware, outermost first, around the routing mux.
func NewRouter(s *Server, opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)

	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{taskID}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{taskID}/cancel", s.handleCancelTask)

	mux.HandleFunc("POST /leases/claim", s.handleClaim)
	mux.HandleFunc("POST /tasks/{taskID}/leases/{leaseID}/renew", s.handleRenewLease)
	mux.HandleFunc("POST /tasks/{taskID}/leases/{leaseID}/start", s.handleStartTask)
	mux.HandleFunc("POST /tasks/{taskID}/leases/{leaseID}/progress", s.handleReportProgress)
	mux.HandleFunc("POST /tasks/{taskID}/leases/{leaseID}/complete", s.handleComplete)
	mux.HandleFunc("POST /tasks/{taskID}/leases/{leaseID}/fail", s.handleFail)

	mux.HandleFunc("POST /receipts/{receiptID}/ack", s.handleAckReceipt)
	mux.HandleFunc("GET /receipts", s.handleListReceipts)
	mux.HandleFunc("GET /obligations", s.handleListObligations)

	var h http.Handler = mux
	if opts.RateLimiter != nil {
		h = WithRateLimit(opts.RateLimiter, opts.RatePolicy)(h)
	}
	h = WithAuth(opts.TokenManager)(h)
	h = WithCORS(opts.CORS)(h)
	h = WithRequestID(h)
	return h
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
