package errors

// HTTP status codes for different error types
const (
	StatusValidationError         = 400
	StatusNotFoundError           = 404
	StatusConflictError           = 409
	StatusUnauthorizedError       = 401
	StatusForbiddenError          = 403
	StatusInternalError           = 500
	StatusBadRequestError         = 400
	StatusServiceUnavailable      = 503
	StatusNotImplementedError     = 501
	StatusRateLimitError          = 429
	StatusTransactionRequired     = 500
	StatusDuplicateEvent          = 409
	StatusCircuitOpen             = 503
	StatusOverflow                = 503
)

// Business error codes for the event delivery platform
const (
	// Authentication & Authorization
	CodeInvalidCredentials      = "AUTH_INVALID_CREDENTIALS"
	CodeTokenExpired            = "AUTH_TOKEN_EXPIRED"
	CodeTokenInvalid            = "AUTH_TOKEN_INVALID"
	CodeInsufficientPermissions = "AUTH_INSUFFICIENT_PERMISSIONS"

	// Tenancy
	CodeTenantNotFound = "TENANT_NOT_FOUND"
	CodeTenantInactive = "TENANT_INACTIVE"

	// Outbox
	CodeOutboxTransactionRequired = "OUTBOX_TRANSACTION_REQUIRED"
	CodeOutboxDuplicateEvent      = "OUTBOX_DUPLICATE_EVENT"
	CodeOutboxSchemaInvalid       = "OUTBOX_SCHEMA_INVALID"
	CodeOutboxRowNotFound         = "OUTBOX_ROW_NOT_FOUND"

	// Stream bus
	CodeStreamUnavailable     = "STREAM_UNAVAILABLE"
	CodeStreamGroupNotFound   = "STREAM_GROUP_NOT_FOUND"
	CodeStreamAppendFailed    = "STREAM_APPEND_FAILED"
	CodeStreamClaimConflict   = "STREAM_CLAIM_CONFLICT"

	// Dead-letter queue
	CodeDLQEntryNotFound = "DLQ_ENTRY_NOT_FOUND"
	CodeDLQReplayFailed  = "DLQ_REPLAY_FAILED"

	// Circuit breaker
	CodeCircuitOpen = "CIRCUIT_OPEN"

	// WebSocket & SSE push
	CodeWebSocketConnectionFailed = "WS_CONNECTION_FAILED"
	CodeWebSocketAuthFailed       = "WS_AUTH_FAILED"
	CodePushQueueOverflow         = "PUSH_QUEUE_OVERFLOW"
	CodeSubscriptionNotFound      = "SUBSCRIPTION_NOT_FOUND"

	// Validation
	CodeInvalidInput         = "VALIDATION_INVALID_INPUT"
	CodeRequiredFieldMissing = "VALIDATION_REQUIRED_FIELD_MISSING"
	CodeInvalidFormat        = "VALIDATION_INVALID_FORMAT"
	CodeValueOutOfRange      = "VALIDATION_VALUE_OUT_OF_RANGE"

	// Configuration
	CodeConfigNotFound  = "CONFIG_NOT_FOUND"
	CodeConfigInvalid   = "CONFIG_INVALID"
	CodeFeatureDisabled = "CONFIG_FEATURE_DISABLED"

	// External Services
	CodeExternalServiceUnavailable = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeExternalServiceTimeout     = "EXTERNAL_SERVICE_TIMEOUT"
)

// ErrorCodeToMessage maps error codes to human-readable messages
var ErrorCodeToMessage = map[string]string{
	CodeInvalidCredentials:      "Invalid username or password",
	CodeTokenExpired:            "Access token has expired",
	CodeTokenInvalid:            "Invalid or malformed token",
	CodeInsufficientPermissions: "Insufficient permissions to perform this action",

	CodeTenantNotFound: "Tenant not found",
	CodeTenantInactive: "Tenant is inactive",

	CodeOutboxTransactionRequired: "A live transaction is required to append an outbox event",
	CodeOutboxDuplicateEvent:      "Event ID already recorded in outbox",
	CodeOutboxSchemaInvalid:       "Event payload failed schema validation",
	CodeOutboxRowNotFound:         "Outbox row not found",

	CodeStreamUnavailable:   "Stream bus is unavailable",
	CodeStreamGroupNotFound: "Consumer group not found",
	CodeStreamAppendFailed:  "Failed to append entry to stream",
	CodeStreamClaimConflict: "Entry already claimed by another consumer",

	CodeDLQEntryNotFound: "Dead-letter entry not found",
	CodeDLQReplayFailed:  "Failed to reprocess dead-letter entry",

	CodeCircuitOpen: "Circuit breaker is open",

	CodeWebSocketConnectionFailed: "WebSocket connection failed",
	CodeWebSocketAuthFailed:       "WebSocket authentication failed",
	CodePushQueueOverflow:         "Outbound push queue overflowed",
	CodeSubscriptionNotFound:      "Subscription not found",

	CodeInvalidInput:         "Invalid input provided",
	CodeRequiredFieldMissing: "Required field is missing",
	CodeInvalidFormat:        "Invalid format",
	CodeValueOutOfRange:      "Value is out of acceptable range",

	CodeConfigNotFound:  "Configuration not found",
	CodeConfigInvalid:   "Invalid configuration",
	CodeFeatureDisabled: "Feature is disabled",

	CodeExternalServiceUnavailable: "External service is unavailable",
	CodeExternalServiceTimeout:     "External service request timed out",
}

// GetErrorMessage returns a human-readable message for the given error code
func GetErrorMessage(code string) string {
	if message, exists := ErrorCodeToMessage[code]; exists {
		return message
	}
	return "An error occurred"
}

// NewErrorWithCode creates a new AppError with a specific error code
func NewErrorWithCode(code string, details string) *AppError {
	message := GetErrorMessage(code)

	var errorType AppErrorType
	switch {
	case code[:4] == "AUTH":
		if code == CodeInsufficientPermissions {
			errorType = ForbiddenError
		} else {
			errorType = UnauthorizedError
		}
	case code[:6] == "TENANT", code[:6] == "CONFIG":
		errorType = NotFoundError
	case code[:6] == "OUTBOX":
		if code == CodeOutboxDuplicateEvent {
			errorType = DuplicateEventError
		} else if code == CodeOutboxRowNotFound {
			errorType = NotFoundError
		} else {
			errorType = ValidationError
		}
	case code[:6] == "STREAM":
		errorType = ServiceUnavailable
	case code[:3] == "DLQ":
		errorType = NotFoundError
	case code == CodeCircuitOpen:
		errorType = CircuitOpenError
	case code[:2] == "WS", code[:4] == "PUSH":
		if code == CodePushQueueOverflow {
			errorType = OverflowError
		} else {
			errorType = UnauthorizedError
		}
	case code[:10] == "VALIDATION":
		errorType = ValidationError
	case code[:8] == "EXTERNAL":
		errorType = ServiceUnavailable
	default:
		errorType = InternalError
	}

	return NewAppError(errorType, message, details, nil)
}
