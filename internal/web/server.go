package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	billingservice "github.com/ssuji15/xsonic/internal/service/billing_service"
	"github.com/ssuji15/xsonic/internal/service/logger"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/internal/storage"
	"github.com/ssuji15/xsonic/internal/util"
	xmiddleware "github.com/ssuji15/xsonic/internal/web/middleware"
	"github.com/ssuji15/xsonic/model"
)

const (
	requestTimeout = 5 * time.Second
	adminHeader    = "X-Admin-ID"
)

type Server struct {
	router    chi.Router
	submitter *queueservice.Submitter
	queue     *queueservice.QueueService
	billing   *billingservice.BillingService
	storage   storage.Storage
	limiter   *xmiddleware.Limiter
}

func NewServer(q *queueservice.QueueService, billing *billingservice.BillingService, objects storage.Storage, limiter *xmiddleware.Limiter) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		submitter: queueservice.NewSubmitter(q, billing),
		queue:     q,
		billing:   billing,
		storage:   objects,
		limiter:   limiter,
	}

	s.routes()
	return s
}

// Router exposes the instrumented handler for main.go.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "xsonic")
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limit).Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/outputs", s.handleGetOutputs)

		r.Get("/wallets/{userID}", s.handleGetWallet)
		r.Get("/wallets/{userID}/transactions", s.handleListTransactions)
		r.Post("/wallets/{userID}/vouchers", s.handleApplyVoucher)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/wallets/{userID}/credits", s.handleAddCredits)
			r.Post("/vouchers", s.handleCreateVoucher)
		})
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Limit(next)
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminHeader) == "" {
			http.Error(w, "missing "+adminHeader, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn().Err(err).Msg("failed to write response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queueservice.ErrInvalidRequest),
		errors.Is(err, billingservice.ErrInvalidAmount),
		errors.Is(err, billingservice.ErrInvalidVoucher):
		return http.StatusBadRequest
	case errors.Is(err, queueservice.ErrInsufficientCredits),
		errors.Is(err, billingservice.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, queueservice.ErrJobNotFound),
		errors.Is(err, billingservice.ErrWalletNotFound),
		errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, queueservice.ErrSubmissionInProgress),
		errors.Is(err, billingservice.ErrVoucherAlreadyUsed),
		errors.Is(err, billingservice.ErrVoucherExists),
		errors.Is(err, billingservice.ErrVoucherLimitReached):
		return http.StatusConflict
	case errors.Is(err, billingservice.ErrVoucherExpired):
		return http.StatusGone
	case errors.Is(err, billingservice.ErrVoucherNotYetValid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg(msg)
		http.Error(w, msg, code)
		return
	}
	http.Error(w, msg+": "+err.Error(), code)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req model.JobRequest
	if !decode(w, r, &req) {
		return
	}

	job, created, err := s.submitter.Submit(ctx, req)
	if err != nil {
		fail(w, r, "failed to create job", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	job, err := s.queue.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, "failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type outputLink struct {
	File string `json:"file"`
	URL  string `json:"url"`
}

type outputsResponse struct {
	JobID   string       `json:"jobId"`
	Outputs []outputLink `json:"outputs"`
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	job, err := s.queue.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, "failed to get job", err)
		return
	}
	if job.Status != model.JobCompleted {
		http.Error(w, "job is "+string(job.Status), http.StatusConflict)
		return
	}

	resp := outputsResponse{JobID: job.ID, Outputs: make([]outputLink, 0, len(job.OutputFiles))}
	for _, f := range job.OutputFiles {
		name := path.Base(f)
		url, err := s.storage.PresignGet(ctx, outputObject(job.ID, f))
		if err != nil {
			fail(w, r, "failed to link output "+name, err)
			return
		}
		resp.Outputs = append(resp.Outputs, outputLink{File: name, URL: url})
	}
	writeJSON(w, http.StatusOK, resp)
}

// outputObject resolves a processor-reported output to its object path.
// Bare file names live under the job's output prefix.
func outputObject(jobID, file string) string {
	if path.Base(file) == file {
		return util.GetOutputPath(jobID, file)
	}
	return file
}

type walletResponse struct {
	*model.Wallet
	AvailableCredits int64 `json:"availableCredits"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	wallet, err := s.billing.GetOrCreateWallet(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		fail(w, r, "failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Wallet: wallet, AvailableCredits: wallet.Available()})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	txs, err := s.billing.ListTransactions(ctx, chi.URLParam(r, "userID"), limit)
	if err != nil {
		fail(w, r, "failed to list transactions", err)
		return
	}
	if txs == nil {
		txs = []*model.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type voucherRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleApplyVoucher(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req voucherRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.billing.ApplyVoucher(ctx, chi.URLParam(r, "userID"), req.Code)
	if err != nil {
		fail(w, r, "failed to apply voucher", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type creditRequest struct {
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	Note       string `json:"note,omitempty"`
	ReceiptURL string `json:"receiptUrl,omitempty"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req creditRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "admin grant"
	}
	tx, err := s.billing.AddCredits(ctx, chi.URLParam(r, "userID"), req.Amount, req.Reason, billingservice.CreditOptions{
		AdminID:    r.Header.Get(adminHeader),
		Note:       req.Note,
		ReceiptURL: req.ReceiptURL,
	})
	if err != nil {
		fail(w, r, "failed to add credits", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleCreateVoucher(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var v model.Voucher
	if !decode(w, r, &v) {
		return
	}
	if err := s.billing.CreateVoucher(ctx, &v); err != nil {
		fail(w, r, "failed to create voucher", err)
		return
	}
	writeJSON(w, http.StatusCreated, &v)
}
