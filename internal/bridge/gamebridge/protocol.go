package gamebridge

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Record types of the game-server line protocol. Records end in CRLF and
// their fields are separated by LF.
const (
	recordMessage    = "MESSAGE"
	recordConnect    = "CONNECT"
	recordDisconnect = "DISCONNECT"
	recordHeartbeat  = "HEARTBEAT"
)

const recordSep = "\r\n"

// record is one decoded inbound line
type record struct {
	kind   string
	fields []string
}

func parseRecord(line string) (record, error) {
	parts := strings.Split(line, "\n")
	r := record{kind: strings.TrimSpace(parts[0]), fields: parts[1:]}

	want := 0
	switch r.kind {
	case recordMessage:
		want = 2
	case recordConnect, recordDisconnect:
		want = 1
	case recordHeartbeat:
	default:
		return r, fmt.Errorf("unknown record type %q", r.kind)
	}
	if len(r.fields) < want {
		return r, fmt.Errorf("%s record needs %d fields, got %d", r.kind, want, len(r.fields))
	}
	return r, nil
}

// The server speaks the Windows-1252 codepage. Characters it cannot carry
// are replaced on the way out.
var (
	decoder = charmap.Windows1252.NewDecoder()
	encoder = encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
)

func decode(data []byte) string {
	out, err := decoder.Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// encodeMessage builds an outbound MESSAGE record. Outbound fields are CRLF
// separated and line breaks inside the text are flattened.
func encodeMessage(sender, bridgeName, text string) []byte {
	flat := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	line := strings.Join([]string{recordMessage, sender, bridgeName, flat}, recordSep) + recordSep
	out, err := encoder.Bytes([]byte(line))
	if err != nil {
		return []byte(line)
	}
	return out
}
