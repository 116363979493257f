package marketplace

const (
	operationCreateJob    = "create_job"
	operationApproveJob   = "approve_job"
	operationAssignDirect = "assign_direct"
	operationStartJob     = "start_job"
	operationCompleteJob  = "complete_job"
	operationConfirmJob   = "confirm_job"
	operationCancelJob    = "cancel_job"
	operationApply        = "apply"
	operationAccept       = "accept_application"
	operationReject       = "reject_application"
	operationSettle       = "settle"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultPlatformFeePercent = 10

	currencyCodeLength      = 3
	maxJobTitleLength       = 200
	maxJobDescriptionLength = 5000

	auditTypeFeeDeduction = "fee_deduction"
)
