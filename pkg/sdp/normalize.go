// Package sdp provides defensive normalization of session description text
// before it is handed to a WebRTC negotiation primitive. Some native
// implementations reject or silently misnegotiate descriptions whose media
// sections are ordered inconsistently between offer and answer, or that
// contain duplicate media sections after a botched renegotiation.
package sdp

import "strings"

// mediaSection is one m= line plus every attribute line that follows it,
// up to the next m= line.
type mediaSection struct {
	mediaType string
	lines     []string
}

// Normalize rewrites SDP text into a canonical form:
//
//   - line endings collapsed to "\n", NUL bytes stripped
//   - mandatory session-level lines (v=, o=, s=, t=) present
//   - audio media sections strictly before video sections
//   - duplicate media sections removed (first occurrence wins)
//
// Normalize is pure and idempotent: Normalize(Normalize(s)) == Normalize(s).
// It treats the SDP body as opaque beyond line structure, so it never
// invents or rewrites codec attributes.
func Normalize(raw string) string {
	if raw == "" {
		return raw
	}

	cleaned := strings.ReplaceAll(raw, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\x00", "")

	lines := strings.Split(cleaned, "\n")

	// Split into the session header (everything before the first m= line)
	// and media sections. Attribute lines travel with their section so
	// reordering cannot detach a=rtpmap/a=mid lines from their m= line.
	var header []string
	var sections []mediaSection
	current := -1

	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			sections = append(sections, mediaSection{
				mediaType: mediaTypeOf(line),
				lines:     []string{line},
			})
			current = len(sections) - 1
			continue
		}
		if current == -1 {
			if line != "" {
				header = append(header, line)
			}
			continue
		}
		if line != "" {
			sections[current].lines = append(sections[current].lines, line)
		}
	}

	header = ensureSessionLines(header)

	// Audio before video, everything else after, first occurrence per
	// media type only.
	seen := make(map[string]bool, len(sections))
	var audio, video, other []mediaSection
	for _, sec := range sections {
		if seen[sec.mediaType] {
			continue
		}
		seen[sec.mediaType] = true
		switch sec.mediaType {
		case "audio":
			audio = append(audio, sec)
		case "video":
			video = append(video, sec)
		default:
			other = append(other, sec)
		}
	}

	out := make([]string, 0, len(lines)+4)
	out = append(out, header...)
	for _, group := range [][]mediaSection{audio, video, other} {
		for _, sec := range group {
			out = append(out, sec.lines...)
		}
	}

	return strings.Join(out, "\n") + "\n"
}

// mediaTypeOf extracts the media type token from an m= line,
// e.g. "m=audio 9 UDP/TLS/RTP/SAVPF 111" -> "audio".
func mediaTypeOf(mLine string) string {
	rest := strings.TrimPrefix(mLine, "m=")
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// ensureSessionLines guarantees the mandatory session-level lines exist.
// Descriptions produced by real browsers always carry them, but a relay
// peer is not trusted to send well-formed SDP.
func ensureSessionLines(header []string) []string {
	has := func(prefix string) bool {
		for _, line := range header {
			if strings.HasPrefix(line, prefix) {
				return true
			}
		}
		return false
	}

	out := header
	if !has("v=") {
		out = append([]string{"v=0"}, out...)
	}
	if !has("o=") {
		out = insertAfterPrefix(out, "v=", "o=- 0 0 IN IP4 127.0.0.1")
	}
	if !has("s=") {
		out = insertAfterPrefix(out, "o=", "s=-")
	}
	if !has("t=") {
		out = insertAfterPrefix(out, "s=", "t=0 0")
	}
	return out
}

func insertAfterPrefix(lines []string, prefix, line string) []string {
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			out := make([]string, 0, len(lines)+1)
			out = append(out, lines[:i+1]...)
			out = append(out, line)
			out = append(out, lines[i+1:]...)
			return out
		}
	}
	return append(lines, line)
}
