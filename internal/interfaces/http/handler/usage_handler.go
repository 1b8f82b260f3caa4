package handler

import (
	"time"

	appusage "github.com/apihub/backend/internal/application/usage"
	domainusage "github.com/apihub/backend/internal/domain/usage"
	"github.com/apihub/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UsageHandler handles usage aggregation and summary HTTP requests
type UsageHandler struct {
	BaseHandler
	aggregation *appusage.AggregationService
	summary     *appusage.SummaryService
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(
	aggregation *appusage.AggregationService,
	summary *appusage.SummaryService,
) *UsageHandler {
	return &UsageHandler{
		aggregation: aggregation,
		summary:     summary,
	}
}

// ============================================================================
// Request/Response DTOs
// ============================================================================

// RunAggregationRequest selects what to aggregate. All fields are optional;
// with none set the run covers yesterday (UTC) across all tenants.
//
//	@Description	Aggregation run selector
type RunAggregationRequest struct {
	Day      string `json:"day" binding:"omitempty,datetime=2006-01-02" example:"2026-08-29"`
	TenantID string `json:"tenant_id" binding:"omitempty,uuid" example:"550e8400-e29b-41d4-a716-446655440000"`
	StartDay string `json:"start_day" binding:"omitempty,datetime=2006-01-02" example:"2026-08-01"`
	EndDay   string `json:"end_day" binding:"omitempty,datetime=2006-01-02" example:"2026-08-29"`
}

// AggregationRunResponse reports the outcome of one aggregation pass
//
//	@Description	Outcome of one aggregation run
type AggregationRunResponse struct {
	Day            string `json:"day" example:"2026-08-29"`
	TenantID       string `json:"tenant_id,omitempty" example:"550e8400-e29b-41d4-a716-446655440000"`
	KeysScanned    int    `json:"keys_scanned" example:"42"`
	RecordsWritten int    `json:"records_written" example:"40"`
	Errors         int    `json:"errors" example:"2"`
	Partial        bool   `json:"partial" example:"true"`
	StartedAt      string `json:"started_at" example:"2026-08-30T01:00:00Z"`
	DurationMS     int64  `json:"duration_ms" example:"153"`
}

// AggregationStatusResponse reports whether a day has been aggregated
//
//	@Description	Aggregation status for a day
type AggregationStatusResponse struct {
	Day        string                  `json:"day" example:"2026-08-29"`
	Aggregated bool                    `json:"aggregated" example:"true"`
	LastRun    *AggregationRunResponse `json:"last_run,omitempty"`
}

// UsageSummaryLineResponse is one metric's totals over the requested period
//
//	@Description	Per-metric usage totals with estimated cost
type UsageSummaryLineResponse struct {
	Metric    string `json:"metric" example:"api_calls"`
	Quantity  int64  `json:"quantity" example:"1500"`
	UnitPrice string `json:"unit_price" example:"0.001"`
	Cost      string `json:"cost" example:"1.5"`
}

// UsageSummaryResponse is a tenant's priced usage over a day range
//
//	@Description	Tenant usage summary with estimated costs
type UsageSummaryResponse struct {
	TenantID    string                     `json:"tenant_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	PeriodStart string                     `json:"period_start" example:"2026-08-01"`
	PeriodEnd   string                     `json:"period_end" example:"2026-08-30"`
	Lines       []UsageSummaryLineResponse `json:"lines"`
	TotalCost   string                     `json:"total_cost" example:"5.5"`
}

// ============================================================================
// Handlers
// ============================================================================

// RunAggregation godoc
// @ID           postAdminAggregationRun
// @Summary      Trigger a usage aggregation run
// @Description  Aggregates counter values into the usage ledger for a day, a day range, or a single tenant
// @Tags         admin
// @Accept       json
// @Produce      json
// @Success      200 {object} APIResponse[[]AggregationRunResponse]
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /admin/aggregation/run [post]
func (h *UsageHandler) RunAggregation(c *gin.Context) {
	var req RunAggregationRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if (req.StartDay == "") != (req.EndDay == "") {
		h.ValidationError(c, []dto.ValidationDetail{
			{Field: "start_day", Message: "start_day and end_day must be provided together"},
		})
		return
	}
	if req.StartDay != "" && req.TenantID != "" {
		h.ValidationError(c, []dto.ValidationDetail{
			{Field: "tenant_id", Message: "tenant_id cannot be combined with a day range"},
		})
		return
	}

	ctx := c.Request.Context()

	if req.StartDay != "" {
		start, err := parseDay(req.StartDay)
		if err != nil {
			h.BadRequest(c, "Invalid start_day: "+err.Error())
			return
		}
		end, err := parseDay(req.EndDay)
		if err != nil {
			h.BadRequest(c, "Invalid end_day: "+err.Error())
			return
		}
		runs, err := h.aggregation.RunRange(ctx, start, end)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.Success(c, toRunResponses(runs))
		return
	}

	day := yesterdayUTC()
	if req.Day != "" {
		parsed, err := parseDay(req.Day)
		if err != nil {
			h.BadRequest(c, "Invalid day: "+err.Error())
			return
		}
		day = parsed
	}

	var (
		run *domainusage.AggregationRun
		err error
	)
	if req.TenantID != "" {
		tenantID, parseErr := uuid.Parse(req.TenantID)
		if parseErr != nil {
			h.BadRequest(c, "Invalid tenant_id: "+parseErr.Error())
			return
		}
		run, err = h.aggregation.RunForTenant(ctx, tenantID, day)
	} else {
		run, err = h.aggregation.Run(ctx, day)
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toRunResponses([]*domainusage.AggregationRun{run}))
}

// GetAggregationStatus godoc
// @ID           getAdminAggregationStatus
// @Summary      Get aggregation status for a day
// @Description  Reports whether the usage ledger holds records for the given day (default yesterday UTC)
// @Tags         admin
// @Produce      json
// @Param        day query string false "Day (YYYY-MM-DD, UTC)"
// @Success      200 {object} APIResponse[AggregationStatusResponse]
// @Failure      400 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /admin/aggregation/status [get]
func (h *UsageHandler) GetAggregationStatus(c *gin.Context) {
	day := yesterdayUTC()
	if raw := c.Query("day"); raw != "" {
		parsed, err := parseDay(raw)
		if err != nil {
			h.BadRequest(c, "Invalid day: "+err.Error())
			return
		}
		day = parsed
	}

	status, err := h.aggregation.Status(c.Request.Context(), day)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := AggregationStatusResponse{
		Day:        status.Day.Format(dayFormat),
		Aggregated: status.Aggregated,
	}
	if status.LastRun != nil {
		run := toRunResponse(status.LastRun)
		resp.LastRun = &run
	}
	h.Success(c, resp)
}

// GetUsageSummary godoc
// @ID           getUsageSummary
// @Summary      Get the calling tenant's usage summary
// @Description  Returns per-metric usage totals and estimated cost over a day range (default last 30 days)
// @Tags         usage
// @Produce      json
// @Param        start_day query string false "Period start (YYYY-MM-DD, UTC)"
// @Param        end_day   query string false "Period end (YYYY-MM-DD, UTC)"
// @Success      200 {object} APIResponse[UsageSummaryResponse]
// @Failure      400 {object} ErrorResponse
// @Failure      401 {object} ErrorResponse
// @Failure      500 {object} ErrorResponse
// @Router       /usage/summary [get]
func (h *UsageHandler) GetUsageSummary(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Tenant identity required")
		return
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -29)
	if raw := c.Query("start_day"); raw != "" {
		if start, err = parseDay(raw); err != nil {
			h.BadRequest(c, "Invalid start_day: "+err.Error())
			return
		}
	}
	if raw := c.Query("end_day"); raw != "" {
		if end, err = parseDay(raw); err != nil {
			h.BadRequest(c, "Invalid end_day: "+err.Error())
			return
		}
	}

	summary, err := h.summary.Summarize(c.Request.Context(), tenantID, start, end)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := UsageSummaryResponse{
		TenantID:    summary.TenantID.String(),
		PeriodStart: summary.PeriodStart.Format(dayFormat),
		PeriodEnd:   summary.PeriodEnd.Format(dayFormat),
		Lines:       make([]UsageSummaryLineResponse, 0, len(summary.Lines)),
		TotalCost:   summary.TotalCost.String(),
	}
	for _, line := range summary.Lines {
		resp.Lines = append(resp.Lines, UsageSummaryLineResponse{
			Metric:    string(line.Metric),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.String(),
			Cost:      line.Cost.String(),
		})
	}
	h.Success(c, resp)
}

// ============================================================================
// Helpers
// ============================================================================

const dayFormat = "2006-01-02"

func parseDay(raw string) (time.Time, error) {
	return time.Parse(dayFormat, raw)
}

func yesterdayUTC() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
}

func toRunResponse(run *domainusage.AggregationRun) AggregationRunResponse {
	return AggregationRunResponse{
		Day:            run.Day.Format(dayFormat),
		TenantID:       run.TenantID,
		KeysScanned:    run.KeysScanned,
		RecordsWritten: run.RecordsWritten,
		Errors:         run.Errors,
		Partial:        run.Partial(),
		StartedAt:      run.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:     run.Duration.Milliseconds(),
	}
}

func toRunResponses(runs []*domainusage.AggregationRun) []AggregationRunResponse {
	out := make([]AggregationRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	return out
}
