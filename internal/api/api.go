package api

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/madiyars/payments-ledger/internal/config"
	"github.com/madiyars/payments-ledger/internal/domain/models"
	"github.com/madiyars/payments-ledger/internal/events"
	"github.com/madiyars/payments-ledger/internal/lib/jwt"
	"github.com/madiyars/payments-ledger/internal/storage/postgres"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// topUpAmount is the fixed credit applied by /add/{user}.
const topUpAmount = 50

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Storage is the persistence surface the handlers need. *postgres.Storage
// implements it; tests substitute fakes.
type Storage interface {
	GetAccount(ctx context.Context, username string) (*models.Account, error)
	Transfer(ctx context.Context, fromUser, toUser string, amount int64) (int64, int64, error)
	TopUp(ctx context.Context, username string, amount int64) (int64, error)
	ListTransfers(ctx context.Context, username string, fetchLimit int) ([]models.Transfer, error)
}

type APIServer struct {
	config    *config.Config
	logger    *slog.Logger
	server    *http.Server
	storage   Storage
	publisher *events.Publisher
	jwtSecret string
}

func New(config *config.Config, logger *slog.Logger, storage Storage, publisher *events.Publisher, jwtSecret string) *APIServer {
	return &APIServer{
		config: config,
		logger: logger,
		server: &http.Server{
			Addr: config.ApiHost + ":" + strconv.Itoa(config.ApiPort),
		},
		storage:   storage,
		publisher: publisher,
		jwtSecret: jwtSecret,
	}
}

func (s *APIServer) Start() error {
	s.logger.Info("Starting server", slog.String("port", strconv.Itoa(s.config.ApiPort)))

	s.configureRouter()

	return s.server.ListenAndServe()
}

func (s *APIServer) MustStart() {
	err := s.Start()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic("Failed to start server: " + err.Error())
	}
}

func (s *APIServer) Stop(ctx context.Context) error {
	defer s.logger.Info("Server successfully stopped")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) configureRouter() {
	router := mux.NewRouter()
	router.Use(s.requestLogger)
	router.HandleFunc("/login", s.loginHandler()).Methods("POST")
	router.HandleFunc("/transaction/", s.authenticate(s.transactionHandler())).Methods("POST")
	router.HandleFunc("/list/", s.authenticate(s.listHandler())).Methods("GET")
	if s.config.Topup.RequireAuth {
		router.HandleFunc("/add/{user}", s.authenticate(s.topUpHandler())).Methods("POST")
	} else {
		router.HandleFunc("/add/{user}", s.topUpHandler()).Methods("POST")
	}
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.healthHandler()).Methods("GET")
	s.server.Handler = router
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) loginHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Неверный формат запроса", "POST", "/login")
			return
		}

		account, err := s.storage.GetAccount(r.Context(), req.Username)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "Неверные учетные данные", "POST", "/login")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
			s.respondError(w, http.StatusUnauthorized, "Неверные учетные данные", "POST", "/login")
			return
		}

		token, err := jwt.NewToken(account.Username, s.jwtSecret, s.config.Auth.TokenTTL)
		if err != nil {
			s.logger.Error("Failed to mint token", "error", err)
			s.respondError(w, http.StatusInternalServerError, "Внутренняя ошибка", "POST", "/login")
			return
		}

		s.respondJSON(w, http.StatusOK, LoginResponse{Token: token}, "POST", "/login")
	}
}

type TransactionRequest struct {
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
	Amount   int64  `json:"amount"`
	// Date is accepted for compatibility and ignored; the ledger timestamp
	// is always assigned server-side at commit time.
	Date *time.Time `json:"date,omitempty"`
}

type TransactionResponse struct {
	Message         string `json:"message"`
	FromUserBalance int64  `json:"from_user_balance"`
	ToUserBalance   int64  `json:"to_user_balance"`
}

func (s *APIServer) transactionHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transaction/"))
		defer timer.ObserveDuration()

		var req TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Неверный формат запроса", "POST", "/transaction/")
			return
		}

		username, _ := r.Context().Value(usernameKey).(string)
		if username == "" || username != req.FromUser {
			s.respondError(w, http.StatusUnauthorized, "Invalid token", "POST", "/transaction/")
			return
		}

		if req.Amount <= 0 {
			s.respondError(w, http.StatusBadRequest, "Сумма должна быть положительной", "POST", "/transaction/")
			return
		}
		if req.FromUser == req.ToUser {
			s.respondError(w, http.StatusBadRequest, "Перевод самому себе невозможен", "POST", "/transaction/")
			return
		}

		fromBalance, toBalance, err := s.storage.Transfer(r.Context(), req.FromUser, req.ToUser, req.Amount)
		if err != nil {
			switch {
			case errors.Is(err, postgres.ErrRecipientNotFound):
				s.respondError(w, http.StatusNotFound, "Получатель не найден", "POST", "/transaction/")
			case errors.Is(err, postgres.ErrSenderNotFound):
				s.respondError(w, http.StatusNotFound, "Отправитель не найден", "POST", "/transaction/")
			case errors.Is(err, postgres.ErrInsufficientFunds):
				s.respondError(w, http.StatusBadRequest, "Недостаточно средств", "POST", "/transaction/")
			default:
				s.logger.Error("Transfer failed", "error", err)
				s.respondError(w, http.StatusInternalServerError, "Внутренняя ошибка", "POST", "/transaction/")
			}
			return
		}

		s.logger.Info("Transfer completed",
			slog.String("from", req.FromUser),
			slog.String("to", req.ToUser),
			slog.Int64("amount", req.Amount),
		)

		s.publisher.TransferCompleted(events.TransferEvent{
			FromUser: req.FromUser,
			ToUser:   req.ToUser,
			Amount:   req.Amount,
			Date:     time.Now(),
		})

		s.respondJSON(w, http.StatusOK, TransactionResponse{
			Message:         "Транзакция успешна",
			FromUserBalance: fromBalance,
			ToUserBalance:   toBalance,
		}, "POST", "/transaction/")
	}
}

type TopUpResponse struct {
	Message    string `json:"message"`
	NewBalance int64  `json:"new_balance"`
}

func (s *APIServer) topUpHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		user := vars["user"]

		// Hardened mode: a token is required and may only credit its own
		// subject. The default mode matches the upstream behavior and skips
		// both checks.
		if s.config.Topup.RequireAuth {
			username, _ := r.Context().Value(usernameKey).(string)
			if username != user {
				s.respondError(w, http.StatusUnauthorized, "Invalid token", "POST", "/add/{user}")
				return
			}
		}

		newBalance, err := s.storage.TopUp(r.Context(), user, topUpAmount)
		if err != nil {
			if errors.Is(err, postgres.ErrAccountNotFound) {
				s.respondError(w, http.StatusNotFound, "Пользователь не найден", "POST", "/add/{user}")
				return
			}
			s.logger.Error("Top-up failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "Внутренняя ошибка", "POST", "/add/{user}")
			return
		}

		s.logger.Info("Top-up completed", slog.String("user", user), slog.Int64("amount", topUpAmount))

		s.respondJSON(w, http.StatusOK, TopUpResponse{
			Message:    "Транзакция успешна",
			NewBalance: newBalance,
		}, "POST", "/add/{user}")
	}
}

type ListResponse struct {
	StatusLabel  string            `json:"Статус платежа"`
	Transactions []models.Transfer `json:"transactions"`
	Limit        int               `json:"limit"`
}

func (s *APIServer) listHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		username, _ := r.Context().Value(usernameKey).(string)
		if username == "" {
			s.respondError(w, http.StatusUnauthorized, "Invalid token", "GET", "/list/")
			return
		}

		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				s.respondError(w, http.StatusBadRequest, "Неверный формат запроса", "GET", "/list/")
				return
			}
			limit = parsed
		}
		status := r.URL.Query().Get("status")

		// Over-fetch twice the limit, then filter in memory. When the
		// requested direction is sparse within the newest 2×limit rows the
		// result may hold fewer than limit items even though older matches
		// exist; this mirrors the upstream query shape.
		transfers, err := s.storage.ListTransfers(r.Context(), username, limit*2)
		if err != nil {
			s.logger.Error("Listing failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "Внутренняя ошибка", "GET", "/list/")
			return
		}

		filtered := filterByDirection(transfers, username, status)

		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].Date.After(filtered[j].Date)
		})

		if len(filtered) > limit {
			filtered = filtered[:limit]
		}

		s.respondJSON(w, http.StatusOK, ListResponse{
			StatusLabel:  statusLabel(status),
			Transactions: filtered,
			Limit:        limit,
		}, "GET", "/list/")
	}
}

func filterByDirection(transfers []models.Transfer, username, status string) []models.Transfer {
	filtered := make([]models.Transfer, 0, len(transfers))
	switch status {
	case "sending":
		for _, t := range transfers {
			if t.FromUser == username {
				filtered = append(filtered, t)
			}
		}
	case "receiving":
		for _, t := range transfers {
			if t.ToUser == username {
				filtered = append(filtered, t)
			}
		}
	default:
		filtered = append(filtered, transfers...)
	}
	return filtered
}

func statusLabel(status string) string {
	switch status {
	case "receiving":
		return "Полученные платежи"
	case "sending":
		return "Отправленные платежи"
	default:
		return "Все платежи"
	}
}

func (s *APIServer) healthHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
	}
}

func (s *APIServer) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *APIServer) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	s.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
