// Package events builds the tab-delimited telemetry records required
// for royalty attribution and posts them through a bounded async
// worker (§4.9).
package events

import (
	"strconv"
	"strings"
)

// fieldSeparator is the byte 0x09 separating every field. Field values
// are joined as given, without escaping: a value that itself contains
// 0x09 splits into extra fields.
const fieldSeparator = "\t"

// Event type identifiers. These are the short type ids every record
// begins with (§4.9); the exact numbering is this implementation's own
// and carries no meaning beyond distinguishing the three record kinds.
const (
	typeNewSessionID    = "10"
	typeNewPlaybackID   = "12"
	typeTrackTransition = "9"
)

// trackTransitionFieldCount is the fixed width of a TrackTransition
// record (§4.9, §6: "bit-exact", 47 fields including the type id and
// the secondary integer that open every record).
const trackTransitionFieldCount = 47

// NewSessionRecord builds a NewSessionId record: session_id,
// context_uri (twice), timestamp, empty, context_size, context_url.
func NewSessionRecord(sessionID, contextURI string, timestampMs int64, contextSize int, contextURL string) []byte {
	fields := []string{
		typeNewSessionID, "1",
		sessionID,
		contextURI,
		contextURI,
		strconv.FormatInt(timestampMs, 10),
		"",
		strconv.Itoa(contextSize),
		contextURL,
	}
	return []byte(strings.Join(fields, fieldSeparator))
}

// NewPlaybackRecord builds a NewPlaybackId record: playback_id,
// session_id, timestamp.
func NewPlaybackRecord(playbackID, sessionID string, timestampMs int64) []byte {
	fields := []string{
		typeNewPlaybackID, "1",
		playbackID,
		sessionID,
		strconv.FormatInt(timestampMs, 10),
	}
	return []byte(strings.Join(fields, fieldSeparator))
}

// TrackTransitionFields carries every named field of a TrackTransition
// record (§4.9); the type's unnamed remainder is padding to bring the
// record to its fixed 47-field width.
type TrackTransitionFields struct {
	ReasonStart         string
	SourceStart         string
	ReasonEnd           string
	SourceEnd           string
	DecodedLength       int64
	Size                int64
	FirstPositionMs     int64
	LastPositionMs      int64
	DurationMs          int64
	DecryptTimeMs       int64
	FadeOverlapMs       int64
	PreloadedAudioKey   bool
	AudioKeyRetrievalMs int64
	Bitrate             int
	ContextURI          string
	Encoding            string
	TrackID             string
	TimestampMs         int64
	FeatureVersion      string
	Referrer            string
	TransitionType      string
	LastCommandDevice   string
}

// BuildTrackTransition lays out f's fields in the exact order named by
// §4.9, padding the remainder of the record's fixed 47-field width with
// the constant "0".
func BuildTrackTransition(f TrackTransitionFields) []byte {
	fields := []string{
		typeTrackTransition, "1",
		f.ReasonStart,
		f.SourceStart,
		f.ReasonEnd,
		f.SourceEnd,
		strconv.FormatInt(f.DecodedLength, 10),
		strconv.FormatInt(f.Size, 10),
		strconv.FormatInt(f.FirstPositionMs, 10),
		strconv.FormatInt(f.LastPositionMs, 10),
		strconv.FormatInt(f.DurationMs, 10),
		strconv.FormatInt(f.DecryptTimeMs, 10),
		strconv.FormatInt(f.FadeOverlapMs, 10),
		boolField(f.PreloadedAudioKey),
		strconv.FormatInt(f.AudioKeyRetrievalMs, 10),
		strconv.Itoa(f.Bitrate),
		f.ContextURI,
		f.Encoding,
		f.TrackID,
		strconv.FormatInt(f.TimestampMs, 10),
		f.FeatureVersion,
		f.Referrer,
		f.TransitionType,
		f.LastCommandDevice,
	}
	for len(fields) < trackTransitionFieldCount {
		fields = append(fields, "0")
	}
	return []byte(strings.Join(fields, fieldSeparator))
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
