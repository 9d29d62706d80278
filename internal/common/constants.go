package common

const (
	HeaderSize     = 2 + 2
	MaxDataSize    = 512
	PacketSize     = HeaderSize + MaxDataSize
	MaxRequestSize = 100
)

type Opcode uint16

const (
	RRQ   Opcode = 1
	WRQ   Opcode = 2
	DATA  Opcode = 3
	ACK   Opcode = 4
	ERROR Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case RRQ:
		return "RRQ"
	case WRQ:
		return "WRQ"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

// Error codes as listed in RFC 1350
const (
	ErrCodeUndefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOperation
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
)

var errorMessages = map[ErrorCode]string{
	ErrCodeUndefined:        "Undefined error",
	ErrCodeFileNotFound:     "File not found",
	ErrCodeAccessViolation:  "Access violation",
	ErrCodeDiskFull:         "Disk full or allocation exceeded",
	ErrCodeIllegalOperation: "Illegal TFTP operation",
	ErrCodeUnknownTID:       "Unknown transfer ID",
	ErrCodeFileExists:       "File already exists",
	ErrCodeNoSuchUser:       "No such user",
}

func (code ErrorCode) Message() string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[ErrCodeUndefined]
}
