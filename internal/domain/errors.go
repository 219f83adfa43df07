package domain

import "errors"

const (
	CodeDiscoveryFailure   = "DISCOVERY_FAILURE"
	CodeLaunchFailure      = "LAUNCH_FAILURE"
	CodeLoadFailure        = "LOAD_FAILURE"
	CodeDeviceUnreachable  = "DEVICE_UNREACHABLE"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeFileNotFound       = "FILE_NOT_FOUND"
	CodeFileNotReadable    = "FILE_NOT_READABLE"
	CodeUnsupportedMedia   = "UNSUPPORTED_MEDIA"
	CodeTranscoderNotFound = "TRANSCODER_NOT_FOUND"
	CodeSourceUnavailable  = "SOURCE_UNAVAILABLE"
	CodeVolumeUnknown      = "VOLUME_UNKNOWN"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeCastNotFound       = "CAST_NOT_FOUND"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Error is the user-visible failure type shared by the CLI and the MCP tools.
type Error struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Limitations    []Limitation   `json:"limitations,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func NewError(code, message string, fixes ...string) *Error {
	return &Error{Code: code, Message: message, SuggestedFixes: fixes}
}

// HasCode reports whether err wraps an *Error with the given code.
func HasCode(err error, code string) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}
