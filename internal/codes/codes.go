// Package codes defines the error taxonomy shared by every stage of a build
// invocation and maps it onto process exit codes.
package codes

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the stage and recoverability of the failure
type Kind int

const (
	// KindUnknown is an unclassified failure
	KindUnknown Kind = iota
	// KindConfig is bad user input, reported before any I/O
	KindConfig
	// KindNotFound means the requested toolchain version does not exist upstream
	KindNotFound
	// KindIntegrity is a checksum or size mismatch on a downloaded archive
	KindIntegrity
	// KindExtraction is a corrupt archive or unsupported compression
	KindExtraction
	// KindIO is a disk or permission failure
	KindIO
	// KindMetadata means the workspace could not be inspected
	KindMetadata
	// KindBuild is a single crate's compilation failure
	KindBuild
	// KindInterrupted means the invocation was cancelled by a signal
	KindInterrupted
	// KindNetwork is a download that kept failing after every retry
	KindNetwork
)

// Process exit codes
const (
	ExitSuccess     = 0
	ExitBuildFailed = 1
	ExitConfig      = 2
	ExitResolution  = 3
	ExitInterrupted = 130
)

var kindNames = map[Kind]string{
	KindUnknown:     "UnknownError",
	KindConfig:      "ConfigError",
	KindNotFound:    "NotFoundError",
	KindIntegrity:   "IntegrityError",
	KindExtraction:  "ExtractionError",
	KindIO:          "IOError",
	KindMetadata:    "MetadataError",
	KindBuild:       "BuildError",
	KindInterrupted: "Interrupted",
	KindNetwork:     "NetworkError",
}

// ExitDescriptions maps exit codes to their descriptions
var ExitDescriptions = map[int]string{
	ExitSuccess:     "Success",
	ExitBuildFailed: "One or more crate builds failed",
	ExitConfig:      "Invalid configuration",
	ExitResolution:  "Toolchain resolution, fetch or workspace inspection failed",
	ExitInterrupted: "Interrupted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure. Stage names the part of the pipeline that
// failed (e.g. "resolve", "fetch", "install", "metadata", "build").
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and stage. A nil err stays nil.
func New(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// StageOf returns the stage of the outermost classified error in err's chain
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}

	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps an invocation error to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindBuild:
		return ExitBuildFailed
	case KindInterrupted:
		return ExitInterrupted
	case KindNotFound, KindIntegrity, KindExtraction, KindIO, KindMetadata, KindNetwork:
		return ExitResolution
	}

	return ExitBuildFailed
}

// IsSuccess returns true if the exit code indicates a fully successful invocation
func IsSuccess(code int) bool {
	return code == ExitSuccess
}

// GetExitMessage returns the description for a given exit code, or a generic message if unknown
func GetExitMessage(code int) string {
	if msg, ok := ExitDescriptions[code]; ok {
		return msg
	}

	return "Unknown error"
}
