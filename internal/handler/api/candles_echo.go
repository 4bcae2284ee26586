package api

import (
	"time"

	models "CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	"CandleMill/internal/service/metrics"
	"CandleMill/internal/service/ratelimit"
	"CandleMill/internal/usecase"
	xhttp "CandleMill/pkg/http"
	xlogger "CandleMill/pkg/logger"
	xutil "CandleMill/pkg/util"

	"github.com/labstack/echo/v4"
)

// CandlesEchoHandler implements Echo-based HTTP handlers following Clean Architecture.
type CandlesEchoHandler struct {
	logger      *xlogger.Logger
	candles     *usecase.CandlesUseCase
	predictions *usecase.PredictionsUseCase
	rl          *ratelimit.Limiter
}

func NewCandlesEchoHandler(logger *xlogger.Logger, candles *usecase.CandlesUseCase, predictions *usecase.PredictionsUseCase) *CandlesEchoHandler {
	metrics.Register()
	return &CandlesEchoHandler{
		logger:      logger,
		candles:     candles,
		predictions: predictions,
		rl:          ratelimit.New(),
	}
}

func (h *CandlesEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})
	g := e.Group("/api")
	g.GET("/candles", h.Candles)
	g.GET("/candles/latest", h.LatestCandles)
	g.GET("/predictions", h.Predictions)
}

func (h *CandlesEchoHandler) Candles(c echo.Context) error {
	start := time.Now()
	endpoint := "candles"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(c.RealIP()+":candles", 10, 5) {
		h.logger.Warn("candles rate_limited", xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("rate_limited", "", "rate limited", 429))
	}
	tf := domrepo.NormalizeTimeframe(req.TF)

	now := time.Now().UTC()
	from := xutil.ParseTimeDefault(req.From, now.Add(-24*time.Hour))
	to := xutil.ParseTimeDefault(req.To, now)
	from, to = xutil.AlignFromTo(from, to, string(tf))

	res, err := h.candles.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Symbol:    req.Symbol,
		From:      from,
		To:        to,
		Timeframe: tf,
		Limit:     req.Limit,
	})
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("candles usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=5")
	return xhttp.SuccessResponse(c, res)
}

func (h *CandlesEchoHandler) LatestCandles(c echo.Context) error {
	start := time.Now()
	endpoint := "candles_latest"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(c.RealIP()+":latest", 10, 5) {
		h.logger.Warn("candles.latest rate_limited", xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("rate_limited", "", "rate limited", 429))
	}
	tf := domrepo.NormalizeTimeframe(req.TF)

	res, err := h.candles.GetLatestCandles(c.Request().Context(), req.Symbol, req.Limit, tf)
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("candles.latest usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *CandlesEchoHandler) Predictions(c echo.Context) error {
	start := time.Now()
	endpoint := "predictions"
	defer func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	req := &models.PredictionsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(c.RealIP()+":predictions", 5, 2) {
		h.logger.Warn("predictions rate_limited", xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("rate_limited", "", "rate limited", 429))
	}

	res, err := h.predictions.GetLatestPredictions(c.Request().Context(), req.Symbol, req.N)
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		h.logger.Error("predictions usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}
