package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeUnauthenticated   = "authentication_error"
	codeUnauthorized      = "authorization_error"
	codeValidation        = "validation_error"
	codeNotFound          = "not_found"
	codeStateConflict     = "state_conflict"
	codeCapacity          = "capacity_error"
	codeInsufficientFunds = "insufficient_funds"
	codeIntegrity         = "integrity_error"
	codeInternal          = "internal_error"
)

// Run boots the HTTP façade over a wired marketplace service and blocks until
// ctx is cancelled.
func Run(ctx context.Context, config Config, service *marketplace.Service, logger *zap.Logger) error {
	router := NewRouter(config, service, logger)

	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskmarket api listening", zap.String("addr", config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with auth, CORS, and every marketplace route.
func NewRouter(config Config, service *marketplace.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{service: service, logger: logger}

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(config.JWTSigningKey), config.JWTIssuer))

	api.POST("/jobs", handler.handleCreateJob)
	api.GET("/jobs/:id", handler.handleGetJob)
	api.DELETE("/jobs/:id", handler.handleCancelJob)
	api.POST("/jobs/:id/approve", handler.handleApproveJob)
	api.POST("/jobs/:id/assign", handler.handleAssignDirect)
	api.POST("/jobs/:id/start", handler.handleStartJob)
	api.POST("/jobs/:id/complete", handler.handleCompleteJob)
	api.POST("/jobs/:id/confirm", handler.handleConfirmJob)
	api.POST("/jobs/:id/applications", handler.handleApply)
	api.GET("/jobs/:id/applications", handler.handleListApplications)
	api.POST("/applications/:id/accept", handler.handleAcceptApplication)
	api.POST("/applications/:id/reject", handler.handleRejectApplication)
	api.GET("/earnings/summary", handler.handleEarningsSummary)
	api.GET("/earnings/chart", handler.handleChartData)

	return router
}

type httpHandler struct {
	service *marketplace.Service
	logger  *zap.Logger
}

type createJobRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	BudgetCents     int64  `json:"budget_cents"`
	Currency        string `json:"currency"`
	MaxApplications int    `json:"max_applications"`
}

type assignRequest struct {
	TaskerID string `json:"tasker_id"`
}

type applyRequest struct {
	ProposedPriceCents int64 `json:"proposed_price_cents"`
}

func (handler *httpHandler) handleCreateJob(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	var request createJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope(codeValidation, "expected JSON body"))
		return
	}
	spec, err := marketplace.NewJobSpec(request.Title, request.Description, request.BudgetCents, request.Currency, request.MaxApplications)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	job, err := handler.service.CreateJob(ctx.Request.Context(), principal, spec)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusCreated, dataEnvelope(jobResponseFrom(job)))
}

func (handler *httpHandler) handleGetJob(ctx *gin.Context) {
	jobID, ok := parseJobID(ctx)
	if !ok {
		return
	}
	job, err := handler.service.GetJob(ctx.Request.Context(), jobID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, dataEnvelope(jobResponseFrom(job)))
}

func (handler *httpHandler) handleApproveJob(ctx *gin.Context) {
	handler.jobTransition(ctx, handler.service.ApproveJob)
}

func (handler *httpHandler) handleStartJob(ctx *gin.Context) {
	handler.jobTransition(ctx, handler.service.StartJob)
}

func (handler *httpHandler) handleCompleteJob(ctx *gin.Context) {
	handler.jobTransition(ctx, handler.service.CompleteJob)
}

func (handler *httpHandler) handleConfirmJob(ctx *gin.Context) {
	handler.jobTransition(ctx, handler.service.ConfirmJobCompletion)
}

func (handler *httpHandler) handleCancelJob(ctx *gin.Context) {
	handler.jobTransition(ctx, handler.service.CancelJob)
}

func (handler *httpHandler) jobTransition(ctx *gin.Context, operation func(context.Context, marketplace.Principal, marketplace.JobID) (marketplace.Job, error)) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	jobID, ok := parseJobID(ctx)
	if !ok {
		return
	}
	job, err := operation(ctx.Request.Context(), principal, jobID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, dataEnvelope(jobResponseFrom(job)))
}

func (handler *httpHandler) handleAssignDirect(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	jobID, ok := parseJobID(ctx)
	if !ok {
		return
	}
	var request assignRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope(codeValidation, "expected JSON body"))
		return
	}
	taskerID, err := marketplace.NewUserID(request.TaskerID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	job, err := handler.service.AssignTaskerDirect(ctx.Request.Context(), principal, jobID, taskerID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, dataEnvelope(jobResponseFrom(job)))
}

func (handler *httpHandler) handleApply(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	jobID, ok := parseJobID(ctx)
	if !ok {
		return
	}
	var request applyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope(codeValidation, "expected JSON body"))
		return
	}
	proposedPrice, err := marketplace.NewAmountCents(request.ProposedPriceCents)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	application, err := handler.service.ApplyToJob(ctx.Request.Context(), principal, jobID, proposedPrice)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusCreated, dataEnvelope(applicationResponseFrom(application)))
}

func (handler *httpHandler) handleListApplications(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	jobID, ok := parseJobID(ctx)
	if !ok {
		return
	}
	applications, err := handler.service.GetJobApplications(ctx.Request.Context(), principal, jobID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	responses := make([]applicationResponse, 0, len(applications))
	for _, application := range applications {
		responses = append(responses, applicationResponseFrom(application))
	}
	ctx.JSON(http.StatusOK, dataEnvelope(responses))
}

func (handler *httpHandler) handleAcceptApplication(ctx *gin.Context) {
	handler.applicationDecision(ctx, handler.service.AcceptApplication)
}

func (handler *httpHandler) handleRejectApplication(ctx *gin.Context) {
	handler.applicationDecision(ctx, handler.service.RejectApplication)
}

func (handler *httpHandler) applicationDecision(ctx *gin.Context, operation func(context.Context, marketplace.Principal, marketplace.ApplicationID) (marketplace.Application, error)) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	applicationID, err := marketplace.NewApplicationID(ctx.Param("id"))
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	application, err := operation(ctx.Request.Context(), principal, applicationID)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, dataEnvelope(applicationResponseFrom(application)))
}

func (handler *httpHandler) handleEarningsSummary(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	period, err := marketplace.ParseEarningsPeriod(ctx.Query("period"))
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	summary, err := handler.service.GetEarningsSummary(ctx.Request.Context(), principal, period)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	ctx.JSON(http.StatusOK, dataEnvelope(summaryResponse{
		Period:           string(summary.Period),
		CurrentCents:     summary.CurrentCents,
		PreviousCents:    summary.PreviousCents,
		ChangePercent:    summary.ChangePercent,
		TransactionCount: summary.TransactionCount,
	}))
}

func (handler *httpHandler) handleChartData(ctx *gin.Context) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		respondError(ctx, handler.logger, marketplace.ErrNotAuthenticated)
		return
	}
	period, err := marketplace.ParseChartPeriod(ctx.Query("period"))
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	points, err := handler.service.GetChartData(ctx.Request.Context(), principal, period)
	if err != nil {
		respondError(ctx, handler.logger, err)
		return
	}
	responses := make([]chartPointResponse, 0, len(points))
	for _, point := range points {
		responses = append(responses, chartPointResponse{
			Key:              point.Key,
			AmountCents:      point.AmountCents,
			TransactionCount: point.TransactionCount,
		})
	}
	ctx.JSON(http.StatusOK, dataEnvelope(responses))
}

func parseJobID(ctx *gin.Context) (marketplace.JobID, bool) {
	jobID, err := marketplace.NewJobID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorEnvelope(codeValidation, "invalid job id"))
		return marketplace.JobID{}, false
	}
	return jobID, true
}

type jobResponse struct {
	JobID               string `json:"job_id"`
	CustomerID          string `json:"customer_id"`
	AssignedTaskerID    string `json:"assigned_tasker_id,omitempty"`
	Status              string `json:"status"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	BudgetCents         int64  `json:"budget_cents"`
	FinalPriceCents     int64  `json:"final_price_cents,omitempty"`
	Currency            string `json:"currency"`
	MaxApplications     int    `json:"max_applications"`
	CurrentApplications int    `json:"current_applications"`
	StartedAt           string `json:"started_at,omitempty"`
	CompletedAt         string `json:"completed_at,omitempty"`
	CustomerConfirmedAt string `json:"customer_confirmed_at,omitempty"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

type applicationResponse struct {
	ApplicationID      string `json:"application_id"`
	JobID              string `json:"job_id"`
	TaskerID           string `json:"tasker_id"`
	ProposedPriceCents int64  `json:"proposed_price_cents"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
}

type summaryResponse struct {
	Period           string  `json:"period"`
	CurrentCents     int64   `json:"current_cents"`
	PreviousCents    int64   `json:"previous_cents"`
	ChangePercent    float64 `json:"change_percent"`
	TransactionCount int     `json:"transaction_count"`
}

type chartPointResponse struct {
	Key              string `json:"key"`
	AmountCents      int64  `json:"amount_cents"`
	TransactionCount int    `json:"transaction_count"`
}

func jobResponseFrom(job marketplace.Job) jobResponse {
	return jobResponse{
		JobID:               job.JobID,
		CustomerID:          job.CustomerID,
		AssignedTaskerID:    job.AssignedTaskerID,
		Status:              job.Status.String(),
		Title:               job.Title,
		Description:         job.Description,
		BudgetCents:         job.BudgetCents.Int64(),
		FinalPriceCents:     job.FinalPriceCents.Int64(),
		Currency:            job.Currency,
		MaxApplications:     job.MaxApplications,
		CurrentApplications: job.CurrentApplications,
		StartedAt:           formatTime(job.StartedAt),
		CompletedAt:         formatTime(job.CompletedAt),
		CustomerConfirmedAt: formatTime(job.CustomerConfirmedAt),
		CreatedAt:           formatTime(job.CreatedAt),
		UpdatedAt:           formatTime(job.UpdatedAt),
	}
}

func applicationResponseFrom(application marketplace.Application) applicationResponse {
	return applicationResponse{
		ApplicationID:      application.ApplicationID,
		JobID:              application.JobID,
		TaskerID:           application.TaskerID,
		ProposedPriceCents: application.ProposedPriceCents.Int64(),
		Status:             application.Status.String(),
		CreatedAt:          formatTime(application.CreatedAt),
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func dataEnvelope(data interface{}) gin.H {
	return gin.H{"success": true, "data": data}
}

func errorEnvelope(code string, message string) gin.H {
	return gin.H{"success": false, "error": gin.H{"code": code, "message": message}}
}

// respondError maps a domain error onto the stable error envelope.
func respondError(ctx *gin.Context, logger *zap.Logger, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorEnvelope(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, marketplace.ErrNotAuthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	case errors.Is(err, marketplace.ErrNotAuthorized):
		return http.StatusForbidden, codeUnauthorized
	case errors.Is(err, marketplace.ErrJobNotFound), errors.Is(err, marketplace.ErrApplicationNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, marketplace.ErrApplicationLimit):
		return http.StatusConflict, codeCapacity
	case errors.Is(err, marketplace.ErrInsufficientFunds):
		return http.StatusPaymentRequired, codeInsufficientFunds
	case errors.Is(err, marketplace.ErrBalanceMismatch):
		return http.StatusInternalServerError, codeIntegrity
	case errors.Is(err, marketplace.ErrJobStateConflict),
		errors.Is(err, marketplace.ErrAlreadyApplied),
		errors.Is(err, marketplace.ErrApplicationClosed),
		errors.Is(err, marketplace.ErrJobAlreadySettled),
		errors.Is(err, marketplace.ErrWalletConflict):
		return http.StatusConflict, codeStateConflict
	case marketplace.IsValidationError(err):
		return http.StatusBadRequest, codeValidation
	}
	return http.StatusInternalServerError, codeInternal
}
