package protocol

const (
	// PartSize is the fixed size of every part except possibly the last.
	PartSize = 256 * 1024
	// MaxFrameLength bounds the JSON body of a single message frame.
	MaxFrameLength = 1_000_000
	DefaultPort    = 6969
)

type MessageType string

const (
	MsgAddFile     MessageType = "ADD_FILE"
	MsgError       MessageType = "ERROR"
	MsgFileList    MessageType = "FILE_LIST"
	MsgRegister    MessageType = "REGISTER"
	MsgRequestFile MessageType = "REQUEST_FILE"
	MsgSendChunk   MessageType = "SEND_CHUNK"
)

func (t MessageType) String() string {
	switch t {
	case MsgAddFile, MsgError, MsgFileList, MsgRegister, MsgRequestFile, MsgSendChunk:
		return string(t)
	default:
		return "UNKNOWN"
	}
}

func (t MessageType) Valid() bool {
	return t.String() != "UNKNOWN"
}

type ErrorCode int

const (
	ErrBadRequest ErrorCode = 400
	ErrNotFound   ErrorCode = 404
	ErrInternal   ErrorCode = 500
)

func (e ErrorCode) String() string {
	switch e {
	case ErrBadRequest:
		return "BAD_REQUEST"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
