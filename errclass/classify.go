package errclass

// validationCodes are the Codes that the ToolSurface must classify as
// validation_error per the spec: missing/unsupported fields, malformed or
// ambiguous targets, unknown session/transfer ids, and unknown or
// profile-disabled tool names. Every other Code is a tool_error.
var validationCodes = map[Code]bool{
	CodeInvalidInput:     true,
	CodeUnsupportedField: true,
	CodeUnknownSession:   true,
	CodeUnknownTransfer:  true,
	CodeAmbiguousTarget:  true,
	CodeUnknownTool:      true,
	CodeProfileDisabled:  true,
	CodeMalformedTarget:  true,
}

// Classify maps err to the coarse Kind surfaced on a tool result. Errors that
// are not an *Error (or do not wrap one) default to KindTool, since an
// un-annotated internal error is never something a caller could have
// corrected by changing its input.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	code, ok := CodeOf(err)
	if !ok {
		return KindTool
	}
	if validationCodes[code] {
		return KindValidation
	}
	return KindTool
}
