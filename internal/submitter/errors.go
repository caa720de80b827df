package submitter

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a submission failed
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidAddress
	KindInvalidArguments
	KindClientUnavailable
	KindSigningError
	KindBroadcastError
	KindConfirmationTimeout
	KindConfirmationReverted
	KindCanceled
)

// Sentinels matched by errors.Is against a *SubmissionError of the same kind.
var (
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidArguments     = errors.New("invalid call arguments")
	ErrClientUnavailable    = errors.New("chain client unavailable")
	ErrSigning              = errors.New("signing failed")
	ErrBroadcast            = errors.New("broadcast rejected")
	ErrConfirmationTimeout  = errors.New("confirmation timed out")
	ErrConfirmationReverted = errors.New("transaction reverted")
	ErrCanceled             = errors.New("submission canceled")
)

var kindSentinels = map[Kind]error{
	KindInvalidAddress:       ErrInvalidAddress,
	KindInvalidArguments:     ErrInvalidArguments,
	KindClientUnavailable:    ErrClientUnavailable,
	KindSigningError:         ErrSigning,
	KindBroadcastError:       ErrBroadcast,
	KindConfirmationTimeout:  ErrConfirmationTimeout,
	KindConfirmationReverted: ErrConfirmationReverted,
	KindCanceled:             ErrCanceled,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidAddress:
		return "InvalidAddress"
	case KindInvalidArguments:
		return "InvalidArguments"
	case KindClientUnavailable:
		return "ClientUnavailable"
	case KindSigningError:
		return "SigningError"
	case KindBroadcastError:
		return "BroadcastError"
	case KindConfirmationTimeout:
		return "ConfirmationTimeout"
	case KindConfirmationReverted:
		return "ConfirmationReverted"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Stage is the step of the submission workflow that was running when it failed
type Stage string

const (
	StageValidate      Stage = "validate"
	StageEncode        Stage = "encode"
	StageFetchNonce    Stage = "fetch-nonce"
	StageFetchGasPrice Stage = "fetch-gas-price"
	StageFetchChainID  Stage = "fetch-chain-id"
	StageSign          Stage = "sign"
	StageBroadcast     Stage = "broadcast"
	StageConfirm       Stage = "confirm"
)

// SubmissionError is returned for every failed Submit.
// TxHash is set once the transaction has been signed.
type SubmissionError struct {
	Kind   Kind
	Stage  Stage
	Target string
	TxHash string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submission failed at %s (%s) for %s", e.Stage, e.Kind, e.Target)
	if e.TxHash != "" {
		msg += fmt.Sprintf(" tx %s", e.TxHash)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind
func (e *SubmissionError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the Kind of the first SubmissionError in err's chain, or KindUnknown
func KindOf(err error) Kind {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Kind
	}
	return KindUnknown
}
