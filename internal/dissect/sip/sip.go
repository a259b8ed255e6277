// Package sip implements the SIP dissector (C6): line-oriented header/body
// parsing, request/response classification, and SDP extraction. Grounded
// on the teacher's plugins/parser/sip/sip.go (parseSIPMessage, header
// folding, extractURI, parseSDPBody), restructured to the dissector
// framework's leftover/consumed contract and extended for Via/Contact/
// X-Call-ID per the component design.
package sip

import (
	"bytes"
	"strconv"
	"strings"

	"sngrep.io/capture/internal/core"
	"sngrep.io/capture/internal/log"
)

// Method is a SIP request method. Standard methods get their own constant;
// anything else is classified MethodUnknown with the literal text kept on
// Result.MethodText.
type Method int

const (
	MethodUnknown Method = iota
	MethodREGISTER
	MethodINVITE
	MethodACK
	MethodBYE
	MethodCANCEL
	MethodSUBSCRIBE
	MethodNOTIFY
	MethodOPTIONS
	MethodPUBLISH
	MethodMESSAGE
	MethodINFO
	MethodREFER
	MethodUPDATE
)

var methodByName = map[string]Method{
	"REGISTER":  MethodREGISTER,
	"INVITE":    MethodINVITE,
	"ACK":       MethodACK,
	"BYE":       MethodBYE,
	"CANCEL":    MethodCANCEL,
	"SUBSCRIBE": MethodSUBSCRIBE,
	"NOTIFY":    MethodNOTIFY,
	"OPTIONS":   MethodOPTIONS,
	"PUBLISH":   MethodPUBLISH,
	"MESSAGE":   MethodMESSAGE,
	"INFO":      MethodINFO,
	"REFER":     MethodREFER,
	"UPDATE":    MethodUPDATE,
}

func (m Method) String() string {
	for name, v := range methodByName {
		if v == m {
			return name
		}
	}
	return "UNKNOWN"
}

// AddrTag is a parsed From/To header: the bare URI plus its tag parameter.
type AddrTag struct {
	URI string
	Tag string
}

// Result is the C6 SIP parse result attached to a Packet, and the payload
// handed to a Sink for storage ingestion.
type Result struct {
	IsRequest   bool
	Method      Method
	MethodText  string // raw request method text, set even for known methods
	StatusCode  int
	Reason      string
	CallID      string
	From        AddrTag
	To          AddrTag
	CSeqNum     uint32
	CSeqMethod  string
	ViaBranch   string
	Contact     string
	XCallID     string
	ContentType string
	Body        []byte
	SDPPresent  bool
	Streams     []ProspectiveStream
}

func (Result) protocol() core.ProtocolId { return core.ProtoSIP }

// Sink receives a fully parsed SIP message for storage ingestion. Storage
// implements this interface; the dissector package stays leaf-level and
// never imports storage.
type Sink interface {
	IngestMessage(packet *core.Packet, msg Result)
}

// Dissector recognizes and parses SIP request/response messages, per
// §4.5's recognition rule.
type Dissector struct {
	sink Sink
	log  log.Logger
}

func New(sink Sink, logger log.Logger) *Dissector {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dissector{sink: sink, log: logger}
}

func (d *Dissector) ID() core.ProtocolId   { return core.ProtoSIP }
func (d *Dissector) Name() string          { return "sip" }
func (d *Dissector) FreeData(*core.Packet) {}

// Dissect recognizes a SIP message at the front of payload. If the first
// line doesn't match a request-line or status-line, or the declared
// Content-Length exceeds available bytes, the input is returned unchanged
// so the transport layer keeps buffering (§4.5, §7).
func (d *Dissector) Dissect(packet *core.Packet, payload []byte) ([]byte, error) {
	headerEnd, bodySep := findHeaderEnd(payload)
	if headerEnd < 0 {
		return payload, nil // no blank line yet — not recognizable as complete
	}

	headerBlock := payload[:headerEnd]
	lines := splitLines(headerBlock)
	if len(lines) == 0 {
		return payload, nil
	}

	result := Result{}
	if !parseFirstLine(string(bytes.TrimSpace(lines[0])), &result) {
		return payload, nil // not SIP
	}

	contentLength := -1
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		// RFC 3261 header folding: continuation lines start with SP/HTAB.
		for i+1 < len(lines) && len(lines[i+1]) > 0 && (lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(line, ' ')
			line = append(line, bytes.TrimSpace(lines[i])...)
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch name {
		case "call-id", "i":
			result.CallID = value
		case "from", "f":
			result.From = parseAddrTag(value)
		case "to", "t":
			result.To = parseAddrTag(value)
		case "via", "v":
			if result.ViaBranch == "" {
				result.ViaBranch = extractBranch(value)
			}
		case "cseq":
			parseCSeq(value, &result)
		case "contact", "m":
			result.Contact = extractURI(value)
		case "x-call-id", "x-cid":
			result.XCallID = value
		case "content-length", "l":
			if n, err := strconv.Atoi(value); err == nil {
				contentLength = n
			}
		case "content-type", "c":
			result.ContentType = value
		}
	}

	// Absence of Content-Length means no body (§9 open question decision).
	if contentLength < 0 {
		contentLength = 0
	}

	bodyStart := headerEnd + bodySep
	available := len(payload) - bodyStart
	if available < contentLength {
		// Transport carried fewer bytes than declared: buffer more rather
		// than partially parse (§4.5, §7).
		return payload, nil
	}

	result.Body = payload[bodyStart : bodyStart+contentLength]
	if strings.Contains(strings.ToLower(result.ContentType), "application/sdp") {
		if sdp, ok := parseSDP(result.Body); ok {
			result.SDPPresent = true
			result.Streams = sdp.prospectiveStreams(result.CallID)
		}
	}

	packet.SetResult(result)
	if d.sink != nil {
		d.sink.IngestMessage(packet, result)
	}

	leftover := payload[bodyStart+contentLength:]
	return leftover, nil
}

// findHeaderEnd locates the blank line separating headers from body,
// accepting either CRLF-CRLF or LF-LF, and returns the header block length
// plus the separator's own length.
func findHeaderEnd(payload []byte) (headerEnd, sepLen int) {
	if i := bytes.Index(payload, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(payload, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func splitLines(block []byte) [][]byte {
	return bytes.Split(block, []byte("\n"))
}

// parseFirstLine classifies the first line as a request-line or
// status-line, per §4.5's recognition rule. Returns false if neither
// shape matches.
func parseFirstLine(line string, result *Result) bool {
	if strings.HasPrefix(line, "SIP/2.0 ") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return false
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return false
		}
		result.IsRequest = false
		result.StatusCode = code
		if len(parts) == 3 {
			result.Reason = parts[2]
		}
		return true
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasSuffix(parts[2], "SIP/2.0") {
		return false
	}
	result.IsRequest = true
	result.MethodText = parts[0]
	if m, ok := methodByName[strings.ToUpper(parts[0])]; ok {
		result.Method = m
	} else {
		result.Method = MethodUnknown
	}
	return true
}

// extractURI pulls the URI out of a From/To/Contact header value: the
// content inside <...> if present, else the first whitespace-delimited
// token with trailing ;params stripped.
func extractURI(value string) string {
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end >= 0 {
			return value[start+1 : start+end]
		}
		return ""
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	uri := fields[0]
	if semi := strings.IndexByte(uri, ';'); semi >= 0 {
		uri = uri[:semi]
	}
	return uri
}

// parseAddrTag extracts the URI and the tag= parameter from a From/To
// header value.
func parseAddrTag(value string) AddrTag {
	at := AddrTag{URI: extractURI(value)}
	for _, param := range strings.Split(value, ";") {
		param = strings.TrimSpace(param)
		if strings.HasPrefix(strings.ToLower(param), "tag=") {
			at.Tag = param[4:]
			break
		}
	}
	return at
}

// extractBranch pulls the branch= parameter out of the first Via header.
func extractBranch(value string) string {
	for _, param := range strings.Split(value, ";") {
		param = strings.TrimSpace(param)
		if strings.HasPrefix(strings.ToLower(param), "branch=") {
			return param[len("branch="):]
		}
	}
	return ""
}

// parseCSeq splits "<number> <METHOD>" into its two fields.
func parseCSeq(value string, result *Result) {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return
	}
	if n, err := strconv.ParseUint(parts[0], 10, 32); err == nil {
		result.CSeqNum = uint32(n)
	}
	if len(parts) > 1 {
		result.CSeqMethod = strings.ToUpper(parts[1])
	}
}
