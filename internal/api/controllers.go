package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/internal/execution"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/routing"
	"execution-core/internal/settlement"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRiskRejected:
		return http.StatusUnprocessableEntity
	case apperr.KindPartial:
		return http.StatusMultiStatus
	case apperr.KindConnectivity:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err using the shared error body.
func (s *Server) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if errors.Is(err, db.ErrNotFound) {
		kind = apperr.KindNotFound
	}
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		respondError(c, status, string(apperr.KindInternal), "internal error")
		return
	}
	respondError(c, status, string(kind), apperr.Reason(err))
}

func badPayload(c *gin.Context, err error) {
	respondError(c, http.StatusBadRequest, string(apperr.KindValidation), "invalid request payload: "+err.Error())
}

// bindOptionalJSON decodes the body when one was sent.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

// ---- orders -----------------------------------------------------------

type orderRequest struct {
	ID          string            `json:"id"`
	BrokerID    string            `json:"broker_id"`
	AccountID   string            `json:"account_id"`
	Symbol      string            `json:"symbol"`
	Side        string            `json:"side"`
	Type        string            `json:"type"`
	Qty         decimal.Decimal   `json:"qty"`
	Price       float64           `json:"price"`
	StopPrice   float64           `json:"stop_price"`
	RefPrice    float64           `json:"ref_price"`
	TimeInForce string            `json:"time_in_force"`
	Metadata    map[string]string `json:"metadata"`
}

func (r orderRequest) toOrder() (*order.Order, error) {
	side, ok := exchange.ParseSide(r.Side)
	if !ok {
		return nil, apperr.Validationf("api.order", "invalid_side:%s", r.Side)
	}
	return &order.Order{
		ID:          r.ID,
		BrokerID:    r.BrokerID,
		AccountID:   r.AccountID,
		Symbol:      strings.TrimSpace(r.Symbol),
		Side:        side,
		Type:        exchange.OrderType(strings.ToUpper(r.Type)),
		Qty:         r.Qty,
		Price:       r.Price,
		StopPrice:   r.StopPrice,
		RefPrice:    r.RefPrice,
		TimeInForce: exchange.TimeInForce(strings.ToUpper(r.TimeInForce)),
		Metadata:    r.Metadata,
	}, nil
}

func (s *Server) submitStrategyOrder(c *gin.Context) {
	var req struct {
		orderRequest
		StrategyID string          `json:"strategy_id"`
		Params     strategy.Params `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	o, err := req.toOrder()
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.Execution.SubmitWithStrategy(c.Request.Context(), o, req.StrategyID, req.Params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) routeOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	o, err := req.toOrder()
	if err != nil {
		s.fail(c, err)
		return
	}
	start := time.Now()
	res, err := s.Routing.Route(c.Request.Context(), o)
	s.Metrics.RouteLatency.RecordDuration(time.Since(start))
	if err != nil {
		if len(res.Legs) > 0 {
			c.JSON(statusFor(apperr.KindOf(err)), gin.H{
				"code":   string(apperr.KindOf(err)),
				"error":  apperr.Reason(err),
				"result": res,
			})
			return
		}
		s.fail(c, err)
		return
	}
	if res.Partial {
		c.JSON(http.StatusMultiStatus, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---- plans & quality --------------------------------------------------

func (s *Server) listPlans(c *gin.Context) {
	status := execution.PlanStatus(c.Query("status"))
	plans := s.Execution.ListPlans()
	out := make([]execution.Summary, 0, len(plans))
	for _, p := range plans {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"plans": out, "count": len(out)})
}

func (s *Server) getPlan(c *gin.Context) {
	p, err := s.Execution.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) cancelPlan(c *gin.Context) {
	p, err := s.Execution.CancelPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getQualityReport(c *gin.Context) {
	r, err := s.Quality.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ---- catalog updates --------------------------------------------------

func (s *Server) upsertStrategy(c *gin.Context) {
	var req struct {
		Name   string          `json:"name"`
		Type   string          `json:"type"`
		Params strategy.Params `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	def := strategy.Definition{ID: c.Param("id"), Name: req.Name, Type: req.Type, Params: req.Params}
	if err := s.Strategies.Upsert(def); err != nil {
		s.fail(c, err)
		return
	}
	stored, _ := s.Strategies.Get(def.ID)
	c.JSON(http.StatusOK, stored)
}

func (s *Server) publishSignal(c *gin.Context) {
	var req struct {
		Name   string    `json:"name"`
		Symbol string    `json:"symbol"`
		Value  *float64  `json:"value"`
		At     time.Time `json:"at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	if req.Name == "" || req.Symbol == "" || req.Value == nil {
		respondError(c, http.StatusBadRequest, string(apperr.KindValidation), "name_symbol_and_value_required")
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	s.Signals.Publish(req.Name, req.Symbol, *req.Value, req.At)
	v, _ := s.Signals.Value(req.Name, req.Symbol)
	c.JSON(http.StatusOK, v)
}

func (s *Server) upsertRoutingRule(c *gin.Context) {
	var req struct {
		routing.Rule
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	rule := req.Rule
	rule.ID = c.Param("id")
	rule.Enabled = req.Enabled == nil || *req.Enabled
	if err := s.Routing.Upsert(rule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": s.Routing.Rules()})
}

func (s *Server) deleteRoutingRule(c *gin.Context) {
	id := c.Param("id")
	if !s.Routing.Remove(id) {
		s.fail(c, apperr.NotFound("api.deleteRoutingRule", "rule:"+id))
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- reconciliation ---------------------------------------------------

type accountRequest struct {
	Name           string  `json:"name"`
	MasterCurrency string  `json:"master_currency"`
	CadenceSec     float64 `json:"cadence_sec"`
	Tolerances     struct {
		Position float64 `json:"position"`
		ValuePct float64 `json:"value_pct"`
		PnLPct   float64 `json:"pnl_pct"`
		TimeMs   int64   `json:"time_ms"`
	} `json:"tolerances"`
	SubAccounts []struct {
		Broker   string `json:"broker"`
		Account  string `json:"account"`
		Currency string `json:"currency"`
		Active   *bool  `json:"active"`
	} `json:"sub_accounts"`
	Aliases map[string]map[string]string `json:"symbol_aliases"`
	Symbols []string                     `json:"symbols"`
}

func (r accountRequest) toAccount(id string) reconciliation.Account {
	a := reconciliation.Account{
		ID:             id,
		Name:           r.Name,
		MasterCurrency: r.MasterCurrency,
		Cadence:        time.Duration(r.CadenceSec * float64(time.Second)),
		Tolerances: reconciliation.Tolerances{
			Position: r.Tolerances.Position,
			ValuePct: r.Tolerances.ValuePct,
			PnLPct:   r.Tolerances.PnLPct,
			Time:     time.Duration(r.Tolerances.TimeMs) * time.Millisecond,
		},
		Aliases: r.Aliases,
		Symbols: r.Symbols,
	}
	for _, sa := range r.SubAccounts {
		a.SubAccounts = append(a.SubAccounts, reconciliation.SubAccount{
			Broker:   sa.Broker,
			Account:  sa.Account,
			Currency: sa.Currency,
			Active:   sa.Active == nil || *sa.Active,
		})
	}
	return a
}

func (s *Server) upsertAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	a := req.toAccount(c.Param("id"))
	for _, sa := range a.SubAccounts {
		if _, err := s.Brokers.Get(sa.Broker); err != nil {
			s.fail(c, apperr.Validationf("api.upsertAccount", "unknown_broker:%s", sa.Broker))
			return
		}
	}
	if err := s.Reconciler.Upsert(a); err != nil {
		s.fail(c, err)
		return
	}
	stored, _ := s.Reconciler.Account(a.ID)
	c.JSON(http.StatusOK, stored)
}

func (s *Server) reconcileAccount(c *gin.Context) {
	start := time.Now()
	snap, err := s.Reconciler.ReconcileNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Metrics.ReconcileLatency.RecordDuration(time.Since(start))
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.Reconciler.LatestSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getAccountState(c *gin.Context) {
	st, err := s.Reconciler.State(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// window reads from/to as RFC3339 query parameters or JSON fields. The
// default window is the last 24 hours.
func window(from, to string) (time.Time, time.Time, error) {
	const op = "api.window"
	end := time.Now()
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validationf(op, "invalid_to:%s", to)
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validationf(op, "invalid_from:%s", from)
		}
		start = t
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.Validation(op, "from_after_to")
	}
	return start, end, nil
}

func (s *Server) reconcileTrades(c *gin.Context) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badPayload(c, err)
		return
	}
	from, to, err := window(req.From, req.To)
	if err != nil {
		s.fail(c, err)
		return
	}
	rep, err := s.Reconciler.ReconcileTrades(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getReport(c *gin.Context) {
	typ, ok := reconciliation.ParseReportType(c.DefaultQuery("type", string(reconciliation.ReportSummary)))
	if !ok {
		respondError(c, http.StatusBadRequest, string(apperr.KindValidation), "unknown_report_type:"+c.Query("type"))
		return
	}
	from, to, err := window(c.Query("from"), c.Query("to"))
	if err != nil {
		s.fail(c, err)
		return
	}
	rep, err := s.Reconciler.GenerateReport(c.Request.Context(), c.Param("id"), typ, from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	if export, _ := strconv.ParseBool(c.Query("export")); export || c.Query("format") == "parquet" {
		if s.opts.ReportDir == "" {
			respondError(c, http.StatusBadRequest, string(apperr.KindValidation), "report_export_disabled")
			return
		}
		path, err := reconciliation.ExportParquet(rep, s.opts.ReportDir)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": rep, "file": path})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ---- settlement -------------------------------------------------------

func (s *Server) listSettlements(c *gin.Context) {
	list := s.Settlement.List(settlement.Filter{
		AccountID: c.Query("account_id"),
		Status:    settlement.Status(c.Query("status")),
		Type:      settlement.Type(c.Query("type")),
	})
	c.JSON(http.StatusOK, gin.H{"instructions": list, "count": len(list)})
}

func (s *Server) getSettlement(c *gin.Context) {
	in, err := s.Settlement.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) createSettlement(c *gin.Context) {
	var req struct {
		AccountID  string                  `json:"account_id"`
		Type       settlement.Type         `json:"type"`
		Severity   reconciliation.Severity `json:"severity"`
		Symbol     string                  `json:"symbol"`
		FromBroker string                  `json:"from_broker"`
		ToBroker   string                  `json:"to_broker"`
		Broker     string                  `json:"broker"`
		Side       string                  `json:"side"`
		Qty        float64                 `json:"qty"`
		Reason     string                  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	side, _ := exchange.ParseSide(req.Side)
	reason := req.Reason
	if op := CurrentOperator(c); op != "" {
		reason = strings.TrimSpace(reason + " (by " + op + ")")
	}
	in, err := s.Settlement.Create(c.Request.Context(), settlement.Instruction{
		AccountID:  req.AccountID,
		Type:       req.Type,
		Severity:   req.Severity,
		Symbol:     req.Symbol,
		FromBroker: req.FromBroker,
		ToBroker:   req.ToBroker,
		Broker:     req.Broker,
		Side:       side,
		Qty:        req.Qty,
		Reason:     reason,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

func (s *Server) approveSettlement(c *gin.Context) {
	var req struct {
		Approver string `json:"approver"`
		Note     string `json:"note"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badPayload(c, err)
		return
	}
	approver := CurrentOperator(c)
	if approver == "" {
		approver = req.Approver
	}
	in, err := s.Settlement.Approve(c.Request.Context(), c.Param("id"), approver, req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) processSettlement(c *gin.Context) {
	in, err := s.Settlement.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		if in.ID != "" {
			kind := apperr.KindOf(err)
			c.JSON(statusFor(kind), gin.H{
				"code":        string(kind),
				"error":       apperr.Reason(err),
				"instruction": in,
			})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) cancelSettlement(c *gin.Context) {
	in, err := s.Settlement.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) retrySettlement(c *gin.Context) {
	in, err := s.Settlement.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

// ---- observability ----------------------------------------------------

func (s *Server) getBrokerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"brokers":     s.Brokers.Health(),
		"quote_cache": s.Brokers.CacheStats(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	snap := s.Metrics.Snapshot()
	resp := gin.H{"system": snap}
	if s.Bus != nil {
		resp["events_dropped"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}
