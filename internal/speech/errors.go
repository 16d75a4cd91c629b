package speech

import (
	"errors"
	"fmt"
)

// Code is a numeric service error code carried on replies.
type Code int

const (
	CodeUnknown Code = 8000 + iota
	CodeServiceNotReady
	CodeInitError
	CodeInvalidParam
	CodeInternal
	CodeParamMissing
	CodeLanguageNotSupported
	CodeCountryNotSupported
	CodePlayError
	CodeAudioUnavailable
	CodeSpeechDataCreation
	CodeFinalizeError
	CodeServiceAlreadyRunning
	CodeInvalidJSON
	CodeInputTextEmpty
	CodeNone
)

const CodeNotSupported Code = 8282

var codeText = map[Code]string{
	CodeUnknown:               "Unknown error",
	CodeServiceNotReady:       "Service is not ready",
	CodeInitError:             "Initialize error",
	CodeInvalidParam:          "Invalid parameter",
	CodeInternal:              "Internal error",
	CodeParamMissing:          "Required parameter is missing",
	CodeLanguageNotSupported:  "Not supported language",
	CodeCountryNotSupported:   "Not supported country",
	CodePlayError:             "Play error",
	CodeAudioUnavailable:      "Audio resource is not available",
	CodeSpeechDataCreation:    "Speech data creation error",
	CodeFinalizeError:         "Finalize error",
	CodeServiceAlreadyRunning: "Service is already running",
	CodeInvalidJSON:           "Invalid JSON format",
	CodeInputTextEmpty:        "Input text must not be empty",
	CodeNone:                  "No error",
	CodeNotSupported:          "Not supported yet",
}

func (c Code) String() string {
	if text, ok := codeText[c]; ok {
		return text
	}
	return codeText[CodeUnknown]
}

// Error pairs a code with the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WithCode attaches code to err.
func WithCode(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code carried by err, CodeNone for nil and CodeUnknown
// when none is attached.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}
