package asyncop

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Kind classifies an engine error for the phase manager.
type Kind string

const (
	KindNone         Kind = ""
	KindTransient    Kind = "transient"
	KindProtocol     Kind = "protocol"
	KindPrecondition Kind = "precondition"
	KindPending      Kind = "pending"
	KindConsistency  Kind = "consistency"
	KindPublic       Kind = "public"
	KindInternal     Kind = "internal"
	KindCancel       Kind = "cancel"
	KindWarning      Kind = "warning"
	KindAssertion    Kind = "assertion"
)

const (
	ErrCodeTransient    = "GIS_TRANSIENT"
	ErrCodeProtocol     = "GIS_PROTOCOL"
	ErrCodePrecondition = "GIS_PRECONDITION"
	ErrCodePending      = "GIS_PENDING"
	ErrCodeConsistency  = "GIS_CONSISTENCY"
	ErrCodePublic       = "GIS_PUBLIC"
	ErrCodeInternal     = "GIS_INTERNAL"
	ErrCodeCancel       = "GIS_CANCEL"
	ErrCodeWarning      = "GIS_WARNING"
	ErrCodeAssertion    = "GIS_ASSERTION"
)

const (
	metaCode          = "code"
	metaDetail        = "detail"
	metaPrerequisites = "prerequisites"
	metaSatisfied     = "satisfied"
)

var (
	ErrTransient = apperrors.New("transient transport fault", apperrors.CategoryExternal).
			WithTextCode(ErrCodeTransient)
	ErrProtocol = apperrors.New("protocol fault", apperrors.CategoryExternal).
			WithTextCode(ErrCodeProtocol)
	ErrPrecondition = apperrors.New("precondition unmet", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePrecondition)
	ErrPending = apperrors.New("operation deferred", apperrors.CategoryConflict).
			WithTextCode(ErrCodePending)
	ErrConsistency = apperrors.New("operation already advanced", apperrors.CategoryConflict).
			WithTextCode(ErrCodeConsistency)
	ErrPublic = apperrors.New("operation failed", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePublic)
	ErrInternal = apperrors.New("internal error", apperrors.CategoryHandler).
			WithTextCode(ErrCodeInternal)
	ErrCancel = apperrors.New("operation canceled", apperrors.CategoryConflict).
			WithTextCode(ErrCodeCancel)
	ErrWarning = apperrors.New("operation warning", apperrors.CategoryValidation).
			WithTextCode(ErrCodeWarning)
	ErrAssertion = apperrors.New("assertion failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeAssertion)
)

var kindsByCode = map[string]Kind{
	ErrCodeTransient:    KindTransient,
	ErrCodeProtocol:     KindProtocol,
	ErrCodePrecondition: KindPrecondition,
	ErrCodePending:      KindPending,
	ErrCodeConsistency:  KindConsistency,
	ErrCodePublic:       KindPublic,
	ErrCodeInternal:     KindInternal,
	ErrCodeCancel:       KindCancel,
	ErrCodeWarning:      KindWarning,
	ErrCodeAssertion:    KindAssertion,
}

func newFault(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// TransientFault reports a retryable transport failure.
func TransientFault(message string, source error) error {
	return newFault(ErrTransient, message, source, nil)
}

// ProtocolFault reports a business rejection from the remote system.
func ProtocolFault(code, message, detail string) error {
	return newFault(ErrProtocol, message, nil, map[string]any{
		metaCode:   strings.TrimSpace(code),
		metaDetail: strings.TrimSpace(detail),
	})
}

// PreconditionUnmet reports that a phase cannot run yet. When satisfied is
// true the work it guards has already been done and the phase is skipped.
func PreconditionUnmet(message string, satisfied bool) error {
	return newFault(ErrPrecondition, message, nil, map[string]any{metaSatisfied: satisfied})
}

// Deferred reports that the operation waits on the listed prerequisite
// records, which the caller dispatches once the phase exits.
func Deferred(message string, prerequisites ...string) error {
	ids := make([]string, 0, len(prerequisites))
	for _, id := range prerequisites {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return newFault(ErrPending, message, nil, map[string]any{metaPrerequisites: ids})
}

// ConsistencyFault reports a request for a phase the record already passed.
func ConsistencyFault(message string) error {
	return newFault(ErrConsistency, message, nil, nil)
}

// PublicFault reports a failure whose message is shown to the operator.
func PublicFault(message string) error {
	return newFault(ErrPublic, message, nil, nil)
}

// InternalFault reports an unexpected system failure.
func InternalFault(message string, source error) error {
	return newFault(ErrInternal, message, source, nil)
}

// CancelRequested asks the phase manager to cancel the operation.
func CancelRequested(reason string) error {
	return newFault(ErrCancel, reason, nil, nil)
}

// Warning reports a non-fatal business condition.
func Warning(message string) error {
	return newFault(ErrWarning, message, nil, nil)
}

// AssertionFailed reports a violated internal expectation.
func AssertionFailed(message string) error {
	return newFault(ErrAssertion, message, nil, nil)
}

// KindOf returns the classification of err, walking wrapped go-errors values
// until a known text code is found.
func KindOf(err error) Kind {
	ge := faultOf(err)
	if ge == nil {
		return KindNone
	}
	return kindsByCode[ge.TextCode]
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// FaultMessage returns the message of the classified fault, or err.Error().
func FaultMessage(err error) string {
	if err == nil {
		return ""
	}
	if ge := faultOf(err); ge != nil && ge.Message != "" {
		return ge.Message
	}
	return err.Error()
}

// FaultCode returns the remote error code carried by a protocol fault.
func FaultCode(err error) string {
	return metaString(err, metaCode)
}

// FaultDetail returns the remote detail carried by a protocol fault.
func FaultDetail(err error) string {
	return metaString(err, metaDetail)
}

// Prerequisites returns the record ids carried by a deferred signal.
func Prerequisites(err error) []string {
	ge := faultOf(err)
	if ge == nil || ge.Metadata == nil {
		return nil
	}
	ids, _ := ge.Metadata[metaPrerequisites].([]string)
	return ids
}

// PreconditionSatisfied reports whether a precondition signal says the
// guarded work is already done.
func PreconditionSatisfied(err error) bool {
	ge := faultOf(err)
	if ge == nil || ge.Metadata == nil {
		return false
	}
	ok, _ := ge.Metadata[metaSatisfied].(bool)
	return ok
}

func faultOf(err error) *apperrors.Error {
	for depth := 0; err != nil && depth < 16; depth++ {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			return nil
		}
		if _, ok := kindsByCode[ge.TextCode]; ok {
			return ge
		}
		err = ge.Source
	}
	return nil
}

func metaString(err error, key string) string {
	ge := faultOf(err)
	if ge == nil || ge.Metadata == nil {
		return ""
	}
	s, _ := ge.Metadata[key].(string)
	return s
}
