package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/fetcher"
	"github.com/dalfonso89/resilient-rpc/internal/health"
	"github.com/dalfonso89/resilient-rpc/internal/middleware"
	"github.com/dalfonso89/resilient-rpc/internal/models"
	"github.com/dalfonso89/resilient-rpc/internal/ratelimit"
	"github.com/dalfonso89/resilient-rpc/internal/rpc"
)

const version = "1.0.0"

// Page size bounds for the address transactions endpoint
const (
	defaultTransactionsLimit = 25
	maxTransactionsLimit     = 100
)

// JSON-RPC error codes returned by the passthrough endpoint
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
	codeServerError    = -32000
	codeRateLimited    = -32005
)

// RPCClient is the part of the resilient client the HTTP surface uses
type RPCClient interface {
	Send(ctx context.Context, envelope rpc.Envelope) (json.RawMessage, error)
	HealthSnapshot() []health.EndpointSnapshot
	Metrics() rpc.ClientMetrics
}

// Persistence reports on the response sink
type Persistence interface {
	HealthCheck() error
	Dropped() uint64
}

// HandlerConfig holds the dependencies of the HTTP handlers
type HandlerConfig struct {
	Logger         *logrus.Logger
	Client         RPCClient
	Persistence    Persistence
	ClientLimiter  *ratelimit.ClientLimiter
	MetricsHandler http.Handler
	// Transactions enables the address history route when set
	Transactions fetcher.Source
}

// Handlers contains all HTTP handlers
type Handlers struct {
	logger         *logrus.Logger
	client         RPCClient
	persistence    Persistence
	clientLimiter  *ratelimit.ClientLimiter
	metricsHandler http.Handler
	transactions   fetcher.Source
	startTime      time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(handlerConfig HandlerConfig) *Handlers {
	return &Handlers{
		logger:         handlerConfig.Logger,
		client:         handlerConfig.Client,
		persistence:    handlerConfig.Persistence,
		clientLimiter:  handlerConfig.ClientLimiter,
		metricsHandler: handlerConfig.MetricsHandler,
		transactions:   handlerConfig.Transactions,
		startTime:      time.Now(),
	}
}

// SetupRoutes configures all the routes using Gin
func (handlers *Handlers) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(handlers.logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())

	if handlers.clientLimiter != nil {
		router.Use(middleware.RateLimit(handlers.clientLimiter, handlers.logger))
	}

	router.GET("/health", handlers.HealthCheck)
	if handlers.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(handlers.metricsHandler))
	}

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/endpoints", handlers.GetEndpoints)
		apiV1.GET("/metrics/client", handlers.GetClientMetrics)
		apiV1.POST("/rpc", handlers.ProxyRPC)
		if handlers.transactions != nil {
			apiV1.GET("/addresses/:address/transactions", handlers.GetAddressTransactions)
		}
	}

	return router
}

// HealthCheck reports healthy while any endpoint is healthy, degraded while some
// endpoint can still be used, and unhealthy otherwise
func (handlers *Handlers) HealthCheck(context *gin.Context) {
	snapshots := handlers.client.HealthSnapshot()
	healthy, degraded, _ := countByStatus(snapshots)

	healthStatus := "unhealthy"
	switch {
	case healthy > 0:
		healthStatus = "healthy"
	case degraded > 0:
		healthStatus = "degraded"
	}

	healthCheckResponse := models.HealthCheck{
		Status:           healthStatus,
		Timestamp:        time.Now(),
		Version:          version,
		Uptime:           time.Since(handlers.startTime).String(),
		HealthyEndpoints: healthy,
		TotalEndpoints:   len(snapshots),
	}

	if handlers.persistence != nil {
		healthCheckResponse.Persistence = "ok"
		if persistenceError := handlers.persistence.HealthCheck(); persistenceError != nil {
			healthCheckResponse.Persistence = persistenceError.Error()
			handlers.logger.Warnf("Persistence health check failed: %v", persistenceError)
		}
	}

	statusCode := http.StatusOK
	if healthStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	context.JSON(statusCode, healthCheckResponse)
}

// GetEndpoints returns the health snapshot of every endpoint
func (handlers *Handlers) GetEndpoints(context *gin.Context) {
	snapshots := handlers.client.HealthSnapshot()

	endpoints := make([]models.EndpointStatus, 0, len(snapshots))
	for _, snapshot := range snapshots {
		endpoints = append(endpoints, endpointStatus(snapshot))
	}

	context.JSON(http.StatusOK, models.EndpointsResponse{
		Endpoints: endpoints,
		Timestamp: time.Now(),
	})
}

// GetClientMetrics returns aggregate client counters
func (handlers *Handlers) GetClientMetrics(context *gin.Context) {
	clientMetrics := handlers.client.Metrics()
	healthy, degraded, unhealthy := countByStatus(handlers.client.HealthSnapshot())

	metricsResponse := models.ClientMetricsResponse{
		TotalRequests:        clientMetrics.TotalRequests,
		SuccessfulRequests:   clientMetrics.SuccessfulRequests,
		FailedRequests:       clientMetrics.FailedRequests,
		RetriedAttempts:      clientMetrics.RetriedAttempts,
		CacheHits:            clientMetrics.CacheHits,
		CacheMisses:          clientMetrics.CacheMisses,
		CoalescedRequests:    clientMetrics.CoalescedRequests,
		CacheEntries:         clientMetrics.CacheEntries,
		AverageLatencyMs:     milliseconds(clientMetrics.AverageLatency),
		BytesReceived:        clientMetrics.BytesReceived,
		HealthyEndpoints:     healthy,
		DegradedEndpoints:    degraded,
		UnavailableEndpoints: unhealthy,
		Timestamp:            time.Now(),
	}
	if handlers.persistence != nil {
		metricsResponse.PersistDropped = handlers.persistence.Dropped()
	}

	context.JSON(http.StatusOK, metricsResponse)
}

// ProxyRPC forwards a JSON-RPC 2.0 request through the resilient client
func (handlers *Handlers) ProxyRPC(context *gin.Context) {
	var rpcRequest models.JSONRPCRequest
	if bindError := context.ShouldBindJSON(&rpcRequest); bindError != nil {
		handlers.writeRPCError(context, http.StatusBadRequest, nil, codeParseError, "Parse error")
		return
	}
	if rpcRequest.JSONRPC != models.JSONRPCVersion || rpcRequest.Method == "" {
		handlers.writeRPCError(context, http.StatusBadRequest, rpcRequest.ID, codeInvalidRequest, "Invalid Request")
		return
	}

	envelope, envelopeError := rpc.NewRawEnvelope(rpcRequest.Method, rpcRequest.Params)
	if envelopeError != nil {
		handlers.writeRPCError(context, http.StatusBadRequest, rpcRequest.ID, codeInvalidRequest, envelopeError.Error())
		return
	}

	result, sendError := handlers.client.Send(context.Request.Context(), envelope)
	if sendError != nil {
		handlers.logger.WithFields(logrus.Fields{
			"method":     rpcRequest.Method,
			"request_id": context.GetString(middleware.RequestIDKey),
			"error":      sendError.Error(),
		}).Warn("Proxied RPC request failed")

		statusCode, rpcError := rpcErrorFor(sendError)
		context.JSON(statusCode, models.JSONRPCResponse{
			JSONRPC: models.JSONRPCVersion,
			ID:      rpcRequest.ID,
			Error:   rpcError,
		})
		return
	}

	context.JSON(http.StatusOK, models.JSONRPCResponse{
		JSONRPC: models.JSONRPCVersion,
		ID:      rpcRequest.ID,
		Result:  result,
	})
}

// GetAddressTransactions returns one page of an address's transaction history, newest first.
// The next cursor is passed back as before to continue paging.
func (handlers *Handlers) GetAddressTransactions(context *gin.Context) {
	address := context.Param("address")

	limit := defaultTransactionsLimit
	if rawLimit := context.Query("limit"); rawLimit != "" {
		parsedLimit, parseError := strconv.Atoi(rawLimit)
		if parseError != nil || parsedLimit <= 0 || parsedLimit > maxTransactionsLimit {
			context.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be between 1 and " + strconv.Itoa(maxTransactionsLimit),
				Code:    http.StatusBadRequest,
			})
			return
		}
		limit = parsedLimit
	}

	transactionFetcher := fetcher.New(handlers.transactions, address, handlers.logger,
		fetcher.WithBatchSize(limit),
		fetcher.WithCheckpoint(context.Query("before")),
		fetcher.WithUntil(context.Query("until")),
		fetcher.WithCommitment(context.Query("commitment")),
	)

	transactions, fetchError := transactionFetcher.FetchBatch(context.Request.Context())
	if fetchError != nil {
		handlers.logger.WithFields(logrus.Fields{
			"address":    address,
			"request_id": context.GetString(middleware.RequestIDKey),
			"error":      fetchError.Error(),
		}).Warn("Failed to fetch address transactions")

		statusCode, rpcError := rpcErrorFor(fetchError)
		if statusCode == http.StatusOK {
			statusCode = http.StatusBadRequest
		}
		context.JSON(statusCode, models.ErrorResponse{
			Error:   "Failed to fetch transactions",
			Message: fetchError.Error(),
			Code:    rpcError.Code,
		})
		return
	}

	progress := transactionFetcher.Progress()
	response := models.AddressTransactionsResponse{
		Address:      address,
		Transactions: make([]models.AddressTransaction, 0, len(transactions)),
		Skipped:      progress.Skipped,
		Done:         progress.Done,
		Timestamp:    time.Now(),
	}
	for _, transaction := range transactions {
		response.Transactions = append(response.Transactions, models.AddressTransaction{
			Signature:   transaction.Signature,
			Slot:        transaction.Slot,
			BlockTime:   transaction.BlockTime,
			Failed:      transaction.Failed,
			Transaction: transaction.Payload,
		})
	}
	if !progress.Done {
		response.Next = progress.LastSignature
	}

	context.JSON(http.StatusOK, response)
}

// rpcErrorFor maps a client error to an HTTP status and a JSON-RPC error.
// Upstream JSON-RPC errors are passed through unchanged with status 200.
func rpcErrorFor(sendError error) (int, *models.JSONRPCError) {
	var upstreamError *models.JSONRPCError
	if errors.As(sendError, &upstreamError) && errors.Is(sendError, rpc.ErrPermanent) {
		return http.StatusOK, upstreamError
	}

	statusCode := http.StatusBadGateway
	code := codeServerError

	var clientError *rpc.ClientError
	if errors.As(sendError, &clientError) {
		switch clientError.Kind {
		case rpc.KindRateLimited:
			statusCode, code = http.StatusTooManyRequests, codeRateLimited
		case rpc.KindAllEndpointsUnavailable:
			statusCode = http.StatusServiceUnavailable
		case rpc.KindDeadlineExceeded:
			statusCode = http.StatusGatewayTimeout
		case rpc.KindCanceled:
			statusCode = http.StatusRequestTimeout
		case rpc.KindPermanent:
			code = codeInternalError
		}
	}

	return statusCode, &models.JSONRPCError{Code: code, Message: sendError.Error()}
}

func (handlers *Handlers) writeRPCError(context *gin.Context, statusCode int, id json.RawMessage, code int, message string) {
	context.JSON(statusCode, models.JSONRPCResponse{
		JSONRPC: models.JSONRPCVersion,
		ID:      id,
		Error:   &models.JSONRPCError{Code: code, Message: message},
	})
}

func endpointStatus(snapshot health.EndpointSnapshot) models.EndpointStatus {
	status := models.EndpointStatus{
		ID:                  snapshot.ID,
		URL:                 snapshot.URL,
		Priority:            snapshot.Priority,
		Status:              snapshot.Status.String(),
		ConsecutiveFailures: snapshot.ConsecutiveFailures,
		RollingLatencyMs:    milliseconds(snapshot.RollingLatency),
		OpenUntil:           optionalTime(snapshot.OpenUntil),
		LastSuccess:         optionalTime(snapshot.LastSuccessAt),
		LastFailure:         optionalTime(snapshot.LastFailureAt),
	}
	if snapshot.HalfOpen {
		status.Status = "half-open"
	}
	return status
}

func countByStatus(snapshots []health.EndpointSnapshot) (healthy, degraded, unhealthy int) {
	for _, snapshot := range snapshots {
		switch snapshot.Status {
		case health.Healthy:
			healthy++
		case health.Degraded:
			degraded++
		default:
			unhealthy++
		}
	}
	return healthy, degraded, unhealthy
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func milliseconds(duration time.Duration) float64 {
	return float64(duration) / float64(time.Millisecond)
}
