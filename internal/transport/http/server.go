package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sigtra/internal/agent"
	"sigtra/internal/analysis"
	"sigtra/internal/backtest"
	"sigtra/internal/logger"
	"sigtra/internal/store"
)

// ServerConfig HTTP 服务配置。Sim 与 Agent 按运行模式注入，允许为 nil，
// 对应的路由会返回 503。
type ServerConfig struct {
	Addr       string
	Sim        *backtest.Service
	Ledger     store.LedgerReader
	Agent      *agent.Service
	LiveSymbol string
}

// Server 对外提供模拟与实盘两组只读/提交接口。
type Server struct {
	addr       string
	sim        *backtest.Service
	ledger     store.LedgerReader
	agent      *agent.Service
	liveSymbol string
	router     *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("http server 需要 ledger")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9893"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:       cfg.Addr,
		sim:        cfg.Sim,
		ledger:     cfg.Ledger,
		agent:      cfg.Agent,
		liveSymbol: cfg.LiveSymbol,
		router:     router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Start 启动 HTTP 服务并阻塞到 ctx 取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP 服务监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP 服务关闭异常: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sim := s.router.Group("/api/sim")
	sim.POST("/runs", s.handleRunStart)
	sim.GET("/runs", s.handleRunList)
	sim.GET("/runs/:id", s.handleRunDetail)
	sim.GET("/runs/:id/trades", s.handleRunTrades)
	sim.GET("/runs/:id/equity", s.handleRunEquity)
	sim.GET("/runs/:id/report", s.handleRunReport)
	sim.GET("/runs/:id/report.png", s.handleRunReportPNG)
	sim.GET("/data", s.handleManifest)
	sim.GET("/candles", s.handleCandles)

	live := s.router.Group("/api/live")
	live.GET("/status", s.handleLiveStatus)
	live.GET("/cycles", s.handleLiveCycles)
	live.GET("/trades", s.handleLiveTrades)
}

func (s *Server) simEnabled(c *gin.Context) bool {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return false
	}
	return true
}

func (s *Server) handleRunStart(c *gin.Context) {
	if !s.simEnabled(c) {
		return
	}
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	ctx := c.Request.Context()
	symbol := c.Query("symbol")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	runs, err := s.ledger.ListRuns(ctx, symbol, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.ledger.CountRuns(ctx, symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": total})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, ok := s.lookupRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	trades, err := s.ledger.ListTrades(ctx, c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	ctx := c.Request.Context()
	points, err := s.ledger.ListEquityPoints(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": points})
}

func (s *Server) handleRunReport(c *gin.Context) {
	input, ok := s.reportInput(c)
	if !ok {
		return
	}
	html, err := analysis.BuildReportHTML(input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleRunReportPNG(c *gin.Context) {
	input, ok := s.reportInput(c)
	if !ok {
		return
	}
	png, err := analysis.RenderReportPNG(c.Request.Context(), input)
	if err != nil {
		// chrome 不可用时降级，HTML 报告仍然可看
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    err.Error(),
			"fallback": "/api/sim/runs/" + c.Param("id") + "/report",
		})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) lookupRun(c *gin.Context) (backtest.Run, bool) {
	run, ok, err := s.ledger.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return backtest.Run{}, false
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return backtest.Run{}, false
	}
	return run, true
}

func (s *Server) reportInput(c *gin.Context) (analysis.ReportInput, bool) {
	run, ok := s.lookupRun(c)
	if !ok {
		return analysis.ReportInput{}, false
	}
	ctx := c.Request.Context()
	trades, err := s.ledger.ListTrades(ctx, run.ID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return analysis.ReportInput{}, false
	}
	equity, err := s.ledger.ListEquityPoints(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return analysis.ReportInput{}, false
	}
	return analysis.ReportInput{Run: run, Trades: trades, Equity: equity}, true
}

func (s *Server) handleManifest(c *gin.Context) {
	if !s.simEnabled(c) {
		return
	}
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 与 timeframe 必填"})
		return
	}
	manifest, err := s.sim.ManifestInfo(c.Request.Context(), symbol, timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": manifest})
}

func (s *Server) handleCandles(c *gin.Context) {
	if !s.simEnabled(c) {
		return
	}
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 与 timeframe 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))

	candles, err := s.sim.QueryCandles(c.Request.Context(), symbol, timeframe, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}

func (s *Server) handleLiveStatus(c *gin.Context) {
	if s.agent == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "实盘服务未启用"})
		return
	}
	c.JSON(http.StatusOK, s.agent.Status())
}

func (s *Server) handleLiveCycles(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", s.liveSymbol)
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cycles, err := s.ledger.ListCycles(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

func (s *Server) handleLiveTrades(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", s.liveSymbol)
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	trades, err := s.ledger.ListTrades(c.Request.Context(), store.LiveScope(symbol), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
