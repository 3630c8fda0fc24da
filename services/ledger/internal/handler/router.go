package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/stars-ledger/pkg/jwt"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/services/ledger/internal/middleware"
)

const serviceName = "ledger"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — HTTP роутер API леджера.
type Router struct {
	engine         *gin.Engine
	balances       *BalanceHandler
	operations     *OperationHandler
	payments       *PaymentHandler
	invoices       *InvoiceHandler
	prices         *PriceHandler
	authMW         *middleware.AuthMiddleware
	rateLimitMW    *middleware.RateLimitMiddleware
	readinessCheck ReadinessChecker
}

// RouterConfig — зависимости роутера.
// AuthMW и RateLimitMW опциональны: nil выключает авторизацию или лимит.
type RouterConfig struct {
	Balances       BalanceReader
	Orchestrator   OperationRunner
	Payments       PaymentService
	Invoices       InvoiceAllocator
	Prices         PriceQuoter
	AuthMW         *middleware.AuthMiddleware
	RateLimitMW    *middleware.RateLimitMiddleware
	ReadinessCheck ReadinessChecker
	Debug          bool
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.GinMetricsMiddleware(serviceName))
	engine.Use(middleware.RequestIDs())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.SecurityHeaders())

	r := &Router{
		engine:         engine,
		balances:       NewBalanceHandler(cfg.Balances, cfg.Orchestrator),
		operations:     NewOperationHandler(cfg.Orchestrator),
		payments:       NewPaymentHandler(cfg.Payments),
		invoices:       NewInvoiceHandler(cfg.Invoices),
		prices:         NewPriceHandler(cfg.Prices),
		authMW:         cfg.AuthMW,
		rateLimitMW:    cfg.RateLimitMW,
		readinessCheck: cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	// Health endpoints (без auth и rate limit)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	v1 := r.engine.Group("/api/v1")

	// лимит считается по сервису из токена, поэтому auth раньше
	if r.authMW != nil {
		v1.Use(r.authMW.Handle())
	}
	if r.rateLimitMW != nil {
		v1.Use(r.rateLimitMW.Handle())
	}

	read := middleware.RequireScope(jwt.ScopeBalanceRead)
	write := middleware.RequireScope(jwt.ScopeBalanceWrite)
	payments := middleware.RequireScope(jwt.ScopePayments)

	// === Balances ===
	balances := v1.Group("/balances")
	{
		balances.GET("/:telegram_id", read, r.balances.GetBalance)
		balances.POST("/:telegram_id/operations", write, r.balances.ApplyOperation)
	}

	v1.GET("/operations/:operation_id", read, r.operations.GetOperation)

	// === Payments ===
	pay := v1.Group("/payments", payments)
	{
		pay.POST("", r.payments.CreatePayment)
		pay.GET("/:id", r.payments.GetPayment)
		pay.PATCH("/:id/status", r.payments.UpdatePaymentStatus)
	}

	v1.POST("/invoices", payments, r.invoices.AllocateInvoice)

	// === Prices ===
	prices := v1.Group("/prices")
	{
		prices.GET("/modes", r.prices.ListModes)
		prices.POST("/quote", r.prices.Quote)
	}
}

// Engine возвращает gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// livenessCheck — процесс жив, если отвечает.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — готовность принимать трафик (MySQL, Redis, Kafka доступны).
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
