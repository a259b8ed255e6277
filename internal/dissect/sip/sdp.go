package sip

import (
	"strconv"
	"strings"

	"sngrep.io/capture/internal/core"
)

// ProspectiveStream is a media flow announced by an SDP offer/answer body,
// produced at message-parse time so storage can register it before any
// RTP/RTCP packet for that flow has arrived (§4.5, §4.9).
type ProspectiveStream struct {
	CallID    string
	MediaType string // "audio", "video", ...
	Addr      core.Address
	Formats   []int          // payload type numbers from the m= line
	RTPMap    map[int]string // payload type -> encoding name/clock, from a=rtpmap:
}

// sdpMedia is one m= section together with the attributes that apply to it.
type sdpMedia struct {
	mediaType string
	port      uint16
	formats   []int
	connIP    string // falls back to the session-level c= if empty
	rtpmap    map[int]string
}

type sdpInfo struct {
	sessionConnIP string
	media         []sdpMedia
}

// parseSDP walks an SDP body's c=/m=/a=rtpmap: lines. Grounded on the
// teacher's parseSDPBody: session-level c= is the default for any m=
// section lacking its own c= line.
func parseSDP(body []byte) (*sdpInfo, bool) {
	info := &sdpInfo{}
	var current *sdpMedia

	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimRight(raw, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		kind, value := line[0], line[2:]

		switch kind {
		case 'c':
			ip := parseConnectionLine(value)
			if current == nil {
				info.sessionConnIP = ip
			} else {
				current.connIP = ip
			}
		case 'm':
			if current != nil {
				info.media = append(info.media, *current)
			}
			m := parseMediaLine(value)
			current = &m
		case 'a':
			if current != nil {
				applyMediaAttribute(current, value)
			}
		}
	}
	if current != nil {
		info.media = append(info.media, *current)
	}
	if len(info.media) == 0 {
		return nil, false
	}
	return info, true
}

// parseConnectionLine parses "IN IP4 <addr>" / "IN IP6 <addr>".
func parseConnectionLine(value string) string {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}

// parseMediaLine parses "<type> <port> <proto> <fmt> [<fmt> ...]".
func parseMediaLine(value string) sdpMedia {
	fields := strings.Fields(value)
	m := sdpMedia{rtpmap: make(map[int]string)}
	if len(fields) == 0 {
		return m
	}
	m.mediaType = fields[0]
	if len(fields) > 1 {
		if port, err := strconv.Atoi(fields[1]); err == nil {
			m.port = uint16(port)
		}
	}
	for i := 3; i < len(fields); i++ {
		if pt, err := strconv.Atoi(fields[i]); err == nil {
			m.formats = append(m.formats, pt)
		}
	}
	return m
}

// applyMediaAttribute handles a=rtpmap: lines; other attributes
// (rtcp-mux, direction, ptime, ...) aren't part of a prospective stream's
// identity and are ignored, per scope (§1 Non-goals: no codec decoding).
func applyMediaAttribute(m *sdpMedia, value string) {
	const prefix = "rtpmap:"
	if !strings.HasPrefix(value, prefix) {
		return
	}
	rest := value[len(prefix):]
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	m.rtpmap[pt] = fields[1]
}

// prospectiveStreams converts the parsed SDP into one ProspectiveStream per
// media section, resolving each section's address against the
// session-level fallback.
func (info *sdpInfo) prospectiveStreams(callID string) []ProspectiveStream {
	streams := make([]ProspectiveStream, 0, len(info.media))
	for _, m := range info.media {
		ip := m.connIP
		if ip == "" {
			ip = info.sessionConnIP
		}
		addr, err := core.ParseAddress(ip, m.port)
		if err != nil {
			continue
		}
		streams = append(streams, ProspectiveStream{
			CallID:    callID,
			MediaType: m.mediaType,
			Addr:      addr,
			Formats:   m.formats,
			RTPMap:    m.rtpmap,
		})
	}
	return streams
}
