// Package at implements the textual layer of the AT command protocol spoken
// by cellular modules: line framing constants, URC argument parsing and the
// HEX payload codec.
package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = '>'

	// Result Codes
	OK    = "OK"
	ERROR = "ERROR"

	// CmeError is the command name of the +CME ERROR pseudo-URC.
	CmeError = "CME ERROR"

	// WakeMarker is emitted by 4G modules right after waking the host.
	// It carries no information and is dropped by the line parser.
	WakeMarker = 0xE0
)

// ArgumentType discriminates the value held by an Argument.
type ArgumentType int

const (
	TypeString ArgumentType = iota
	TypeInt
	TypeDouble
)

// Argument is one comma-separated token of a URC argument list, parsed into
// a tagged value. Int arguments keep the original token in String so callers
// that expect text (leading zeros, hex cell ids) can still recover it.
type Argument struct {
	Type   ArgumentType
	String string
	Int    int
	Double float64
}
