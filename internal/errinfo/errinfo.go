// Package errinfo carries structured error payloads across the HTTP
// boundary so the browser can render failures without string matching.
package errinfo

type ErrorInfo struct {
	ErrorCode string `json:"error_code"`
	Phase     string `json:"phase,omitempty"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

const (
	CodeOutOfBoundsPath    = "OUT_OF_BOUNDS_PATH"
	CodeMissingCredential  = "MISSING_CREDENTIAL"
	CodeUpstreamBackend    = "UPSTREAM_BACKEND_ERROR"
	CodeMalformedProposal  = "MALFORMED_PROPOSAL"
	CodePatchApplyFailed   = "PATCH_APPLY_FAILED"
	CodeVersionTrailFailed = "VERSION_TRAIL_FAILED"
	CodeUnknownActionKind  = "UNKNOWN_ACTION_KIND"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeFileReadFailed     = "FILE_READ_FAILED"
	CodeFileWriteFailed    = "FILE_WRITE_FAILED"
)

const (
	PhasePropose = "propose"
	PhaseApply   = "apply"
	PhaseStream  = "stream"
	PhaseHistory = "history"
	PhaseFiles   = "files"
)

func OutOfBoundsPath(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeOutOfBoundsPath, Phase: phase, Retryable: false, Detail: detail}
}

func MissingCredential(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeMissingCredential, Phase: phase, Retryable: false, Detail: detail}
}

func UpstreamBackend(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeUpstreamBackend, Phase: phase, Retryable: true, Detail: detail}
}

func MalformedProposal(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeMalformedProposal, Phase: phase, Retryable: true, Detail: detail}
}

func PatchApplyFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodePatchApplyFailed, Phase: phase, Retryable: false, Detail: detail}
}

func VersionTrailFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeVersionTrailFailed, Phase: phase, Retryable: true, Detail: detail}
}

func UnknownActionKind(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeUnknownActionKind, Phase: phase, Retryable: false, Detail: detail}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeValidationFailed, Phase: phase, Retryable: false, Detail: detail}
}

func FileReadFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeFileReadFailed, Phase: phase, Retryable: false, Detail: detail}
}

func FileWriteFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{ErrorCode: CodeFileWriteFailed, Phase: phase, Retryable: false, Detail: detail}
}
