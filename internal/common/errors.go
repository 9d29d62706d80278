package common

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrSocketTimeout     = errors.New("socket timeout")
	ErrTransportFailure  = errors.New("transport failure")
	ErrAddressResolution = errors.New("address resolution failure")
	ErrShutdown          = errors.New("shutdown requested")
)

// TFTPError is an error that can be reported to the peer as an ERROR packet.
type TFTPError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func NewTFTPError(code ErrorCode, err error) *TFTPError {
	return &TFTPError{
		Code:    code,
		Message: code.Message(),
		Err:     err,
	}
}

func (e *TFTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tftp error %d (%s): %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("tftp error %d (%s)", e.Code, e.Message)
}

func (e *TFTPError) Unwrap() error {
	return e.Err
}

// AsTFTPError maps any error to the code sent to the peer.
func AsTFTPError(err error) *TFTPError {
	var tftpErr *TFTPError
	if errors.As(err, &tftpErr) {
		return tftpErr
	}
	if errors.Is(err, ErrMalformedPacket) {
		return NewTFTPError(ErrCodeIllegalOperation, err)
	}
	return NewTFTPError(ErrCodeUndefined, err)
}
