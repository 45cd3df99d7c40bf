package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Code 是错误码，每个取值在 records 中恰好有一条记录。
type Code string

// Category 决定错误是否值得重试以及由谁来修复。
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryConfiguration  Category = "configuration"
	CategoryVerification   Category = "verification"
)

// authentication：服务或身份可达性问题，通常可重试。
const (
	AttestationServiceUnavailable Code = "ATTESTATION_SERVICE_UNAVAILABLE"
	ProofRequestFailed            Code = "PROOF_REQUEST_FAILED"
	InvalidCredentials            Code = "INVALID_CREDENTIALS"
	C2DServiceUnavailable         Code = "C2D_SERVICE_UNAVAILABLE"
)

// authorization：策略直接拒绝该主体，永不重试。
const (
	CountryBlocked    Code = "COUNTRY_BLOCKED"
	CountryNotAllowed Code = "COUNTRY_NOT_ALLOWED"
	UnderMinimumAge   Code = "UNDER_MINIMUM_AGE"
	DuplicateIdentity Code = "DUPLICATE_IDENTITY"
	RiskScoreTooHigh  Code = "RISK_SCORE_TOO_HIGH"
	InsufficientRole  Code = "INSUFFICIENT_ROLE"
)

// configuration：宿主配置错误，需要运维介入。
const (
	InvalidDID           Code = "INVALID_DID"
	MissingConfiguration Code = "MISSING_CONFIGURATION"
	InvalidTimeoutConfig Code = "INVALID_TIMEOUT_CONFIG"
	AssetNotFound        Code = "ASSET_NOT_FOUND"
	DuplicateJob         Code = "DUPLICATE_JOB"
)

// verification：步骤本身失败，可能是暂时性的。
const (
	VerificationFailed  Code = "VERIFICATION_FAILED"
	NotHuman            Code = "NOT_HUMAN"
	C2DSubmissionFailed Code = "C2D_SUBMISSION_FAILED"
	C2DJobFailed        Code = "C2D_JOB_FAILED"
	C2DJobCancelled     Code = "C2D_JOB_CANCELLED"
	OperationFailed     Code = "OPERATION_FAILED"
	OperationCancelled  Code = "OPERATION_CANCELLED"
	JobTimeout          Code = "JOB_TIMEOUT"
	AttestationTimeout  Code = "ATTESTATION_TIMEOUT"
	C2DTimeout          Code = "C2D_TIMEOUT"
	OperationTimeout    Code = "OPERATION_TIMEOUT"
)

// Record 是错误码对应的静态描述。
type Record struct {
	Code        Code     `json:"code"`
	Message     string   `json:"message"`
	UserMessage string   `json:"userMessage"`
	Retryable   bool     `json:"retryable"`
	Category    Category `json:"category"`
	Suggestions []string `json:"suggestions"`
}

var records = map[Code]Record{
	AttestationServiceUnavailable: {
		Message:     "attestation service is unreachable",
		UserMessage: "The identity verification service is temporarily unavailable.",
		Retryable:   true,
		Category:    CategoryAuthentication,
		Suggestions: []string{"Try again in a few minutes", "Check the attestation endpoint configuration"},
	},
	ProofRequestFailed: {
		Message:     "could not create proof request",
		UserMessage: "We could not start the verification request.",
		Retryable:   true,
		Category:    CategoryAuthentication,
		Suggestions: []string{"Retry the verification", "Confirm the requested criteria are supported"},
	},
	InvalidCredentials: {
		Message:     "attestation credential rejected",
		UserMessage: "The agent could not authenticate with the verification service.",
		Retryable:   true,
		Category:    CategoryAuthentication,
		Suggestions: []string{"Rotate or re-enter the attestation credential"},
	},
	C2DServiceUnavailable: {
		Message:     "compute marketplace is unreachable",
		UserMessage: "The compute service is temporarily unavailable.",
		Retryable:   true,
		Category:    CategoryAuthentication,
		Suggestions: []string{"Try again later", "Check the compute endpoint and cluster credentials"},
	},
	CountryBlocked: {
		Message:     "subject resides in a blocked country",
		UserMessage: "Access is not available in your country.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"Contact support if you believe your residency was reported incorrectly"},
	},
	CountryNotAllowed: {
		Message:     "subject country is not in the allowed list",
		UserMessage: "This job is restricted to residents of specific countries.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"Check which countries this dataset is licensed for"},
	},
	UnderMinimumAge: {
		Message:     "subject does not meet the minimum age",
		UserMessage: "You do not meet the minimum age requirement.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"This job cannot be run for this subject"},
	},
	DuplicateIdentity: {
		Message:     "subject identity is not unique",
		UserMessage: "This identity has already been used.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"Use the identity originally registered for this account"},
	},
	RiskScoreTooHigh: {
		Message:     "subject risk score exceeds the allowed maximum",
		UserMessage: "Your verification could not be approved.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"Contact support to review your verification"},
	},
	InsufficientRole: {
		Message:     "subject lacks the required role or verification level",
		UserMessage: "A professional credential with a higher verification level is required.",
		Category:    CategoryAuthorization,
		Suggestions: []string{"Upgrade your credential verification level", "Request access from the data owner"},
	},
	InvalidDID: {
		Message:     "subject identifier is malformed",
		UserMessage: "The identifier provided is not valid.",
		Category:    CategoryConfiguration,
		Suggestions: []string{"Use a DID such as did:method:id or a plain alphanumeric identifier"},
	},
	MissingConfiguration: {
		Message:     "required configuration is missing",
		UserMessage: "The agent is not configured correctly.",
		Category:    CategoryConfiguration,
		Suggestions: []string{"Check the agent configuration file and environment"},
	},
	InvalidTimeoutConfig: {
		Message:     "phase timeouts exceed the job timeout budget",
		UserMessage: "The agent timeout configuration is inconsistent.",
		Category:    CategoryConfiguration,
		Suggestions: []string{"Make attestation + compute timeouts fit within the job timeout minus the cleanup margin"},
	},
	AssetNotFound: {
		Message:     "configured dataset or algorithm asset not found",
		UserMessage: "The requested dataset or algorithm does not exist.",
		Category:    CategoryConfiguration,
		Suggestions: []string{"Verify the dataset and algorithm identifiers"},
	},
	DuplicateJob: {
		Message:     "a job with this id is already running",
		UserMessage: "This job is already in progress.",
		Category:    CategoryConfiguration,
		Suggestions: []string{"Wait for the running job to finish", "Submit without a job id to get a fresh one"},
	},
	VerificationFailed: {
		Message:     "attestation verification failed",
		UserMessage: "We could not verify your credentials.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Retry the verification", "Make sure your credential is up to date"},
	},
	NotHuman: {
		Message:     "subject could not be verified as human",
		UserMessage: "We could not confirm you are a person.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Complete the liveness check and retry"},
	},
	C2DSubmissionFailed: {
		Message:     "compute job submission failed",
		UserMessage: "The compute job could not be started.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Retry the job", "Check cluster capacity"},
	},
	C2DJobFailed: {
		Message:     "compute job finished with a failure",
		UserMessage: "The computation failed.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Inspect the job logs", "Retry the job"},
	},
	C2DJobCancelled: {
		Message:     "compute job was cancelled by the marketplace",
		UserMessage: "The computation was cancelled.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Retry the job"},
	},
	OperationFailed: {
		Message:     "operation failed",
		UserMessage: "Something went wrong while processing the job.",
		Retryable:   true,
		Category:    CategoryVerification,
		Suggestions: []string{"Retry the job"},
	},
	OperationCancelled: {
		Message:     "operation was cancelled",
		UserMessage: "The job was cancelled.",
		Category:    CategoryVerification,
		Suggestions: []string{"Start the job again if the cancellation was unintended"},
	},
	JobTimeout: {
		Message:     "job exceeded its time budget",
		UserMessage: "The job took too long and was stopped.",
		Category:    CategoryVerification,
		Suggestions: []string{"Retry later", "Increase the job timeout"},
	},
	AttestationTimeout: {
		Message:     "attestation exceeded its time budget",
		UserMessage: "Identity verification took too long.",
		Category:    CategoryVerification,
		Suggestions: []string{"Retry later", "Increase the attestation timeout"},
	},
	C2DTimeout: {
		Message:     "compute job exceeded its time budget",
		UserMessage: "The computation took too long.",
		Category:    CategoryVerification,
		Suggestions: []string{"Retry later", "Increase the compute timeout or reduce the job size"},
	},
	OperationTimeout: {
		Message:     "operation exceeded its time budget",
		UserMessage: "The operation took too long.",
		Category:    CategoryVerification,
		Suggestions: []string{"Retry later"},
	},
}

func init() {
	for code, rec := range records {
		rec.Code = code
		records[code] = rec
	}
}

// Lookup 返回错误码对应的记录；未定义的错误码属于编程错误，直接 panic。
func Lookup(code Code) Record {
	rec, ok := records[code]
	if !ok {
		panic(fmt.Sprintf("catalog: undefined error code %q", code))
	}
	rec.Suggestions = append([]string(nil), rec.Suggestions...)
	return rec
}

// Codes 列出全部已定义的错误码。
func Codes() []Code {
	out := make([]Code, 0, len(records))
	for code := range records {
		out = append(out, code)
	}
	return out
}

// FailureDetails 记录逐项失败的检查与对应建议。
type FailureDetails struct {
	FailedChecks    []string `json:"failedChecks"`
	Recommendations []string `json:"recommendations"`
}

// Error 是核心流程统一返回的错误类型。
type Error struct {
	Record
	Details *FailureDetails `json:"failureDetails,omitempty"`
	cause   error
}

// Build 基于错误码构造 Error，message 非空时覆盖模板消息。
func Build(code Code, message string, details *FailureDetails) *Error {
	rec := Lookup(code)
	if message != "" {
		rec.Message = message
	}
	return &Error{Record: rec, Details: details}
}

// Wrap 与 Build 相同，但保留底层原因以便 errors.Is/As 追溯。
func Wrap(code Code, cause error) *Error {
	e := Build(code, "", nil)
	if cause != nil {
		e.Message = e.Message + ": " + cause.Error()
	}
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Details != nil && len(e.Details.FailedChecks) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details.FailedChecks, "; "))
		b.WriteString("]")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// IsTimeout 判断是否为超时类错误；超时与类别正交，且对当前尝试是终态。
func (e *Error) IsTimeout() bool {
	switch e.Code {
	case JobTimeout, AttestationTimeout, C2DTimeout, OperationTimeout:
		return true
	}
	return false
}

// As 从错误链中取出 *Error。
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	ce, ok := As(err)
	return ok && ce.Code == code
}
