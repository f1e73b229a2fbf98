package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoFirstOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// TestNormalizeAudioBeforeVideo verifies media section ordering
func TestNormalizeAudioBeforeVideo(t *testing.T) {
	out := Normalize(videoFirstOffer)

	audioIdx := strings.Index(out, "m=audio")
	videoIdx := strings.Index(out, "m=video")
	require.NotEqual(t, -1, audioIdx)
	require.NotEqual(t, -1, videoIdx)
	assert.Less(t, audioIdx, videoIdx, "audio section must precede video")
}

// TestNormalizeKeepsAttributesWithSection verifies attribute lines move
// together with their m= line
func TestNormalizeKeepsAttributesWithSection(t *testing.T) {
	out := Normalize(videoFirstOffer)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "m=audio") {
			require.Greater(t, len(lines), i+2)
			assert.Equal(t, "a=mid:0", lines[i+1])
			assert.Equal(t, "a=rtpmap:111 opus/48000/2", lines[i+2])
		}
		if strings.HasPrefix(line, "m=video") {
			require.Greater(t, len(lines), i+2)
			assert.Equal(t, "a=mid:1", lines[i+1])
			assert.Equal(t, "a=rtpmap:96 VP8/90000", lines[i+2])
		}
	}
}

// TestNormalizeIdempotent verifies Normalize(Normalize(s)) == Normalize(s)
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		videoFirstOffer,
		"v=0\nm=audio 9 RTP 0\na=mid:0\n",
		"m=video 9 RTP 96\n",
		"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
	}
}

// TestNormalizeDeduplicatesMediaSections verifies duplicate m= sections
// are dropped, keeping the first occurrence
func TestNormalizeDeduplicatesMediaSections(t *testing.T) {
	in := "v=0\n" +
		"o=- 0 0 IN IP4 127.0.0.1\n" +
		"s=-\n" +
		"t=0 0\n" +
		"m=audio 9 RTP 111\n" +
		"a=mid:0\n" +
		"m=audio 9 RTP 103\n" +
		"a=mid:2\n" +
		"m=video 9 RTP 96\n"

	out := Normalize(in)

	assert.Equal(t, 1, strings.Count(out, "m=audio"))
	assert.Contains(t, out, "a=mid:0", "first audio section wins")
	assert.NotContains(t, out, "a=mid:2")
	assert.Equal(t, 1, strings.Count(out, "m=video"))
}

// TestNormalizeSynthesizesSessionLines verifies mandatory session-level
// lines are added when missing
func TestNormalizeSynthesizesSessionLines(t *testing.T) {
	out := Normalize("m=audio 9 RTP 0\n")

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, "v=0", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "o="))
	assert.True(t, strings.HasPrefix(lines[2], "s="))
	assert.True(t, strings.HasPrefix(lines[3], "t="))
}

// TestNormalizeLineEndings verifies CRLF and bare CR collapse to LF
func TestNormalizeLineEndings(t *testing.T) {
	out := Normalize("v=0\r\no=- 0 0 IN IP4 127.0.0.1\rs=-\nt=0 0\n")

	assert.NotContains(t, out, "\r")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

// TestNormalizeStripsNulBytes verifies NUL bytes never reach the primitive
func TestNormalizeStripsNulBytes(t *testing.T) {
	out := Normalize("v=0\x00\ns=-\n")
	assert.NotContains(t, out, "\x00")
}

// TestNormalizeEmpty verifies empty input passes through
func TestNormalizeEmpty(t *testing.T) {
	assert.Equal(t, "", Normalize(""))
}

// TestNormalizeAudioOnly verifies a well-formed audio-only description
// survives unchanged apart from canonical endings
func TestNormalizeAudioOnly(t *testing.T) {
	in := "v=0\no=- 1 1 IN IP4 127.0.0.1\ns=-\nt=0 0\nm=audio 9 RTP 111\na=mid:0\n"
	assert.Equal(t, in, Normalize(in))
}
