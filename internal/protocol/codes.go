package protocol

// Opcode is the websocket fin+rsv+opcode byte as seen on the wire.
type Opcode byte

// Frame opcodes recognized by the chat core. Fragment opcodes carry a
// cleared FIN bit; OpFragmentEnd is a FIN continuation frame.
const (
	OpFragmentContinue    Opcode = 0x00
	OpFragmentBeginText   Opcode = 0x01
	OpFragmentBeginBinary Opcode = 0x02
	OpFragmentEnd         Opcode = 0x80
	OpText                Opcode = 0x81
	OpBinary              Opcode = 0x82
	OpClose               Opcode = 0x88
	OpPing                Opcode = 0x89
	OpPong                Opcode = 0x8A
)

// String returns a short name for logging.
func (o Opcode) String() string {
	switch o {
	case OpFragmentContinue:
		return "fragment_continue"
	case OpFragmentBeginText:
		return "fragment_begin_text"
	case OpFragmentBeginBinary:
		return "fragment_begin_binary"
	case OpFragmentEnd:
		return "fragment_end"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return "unknown"
}

// Application close codes, in the private 4xxx range.
const (
	CloseUnauthorized       = 4000
	CloseInvalidQueryParams = 4001
	CloseInvalidPayload     = 4002
	CloseMessageTooBig      = 4003
	CloseInactiveConnection = 4004
)
