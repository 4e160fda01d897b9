package store

import (
	"bytes"
	"encoding/json"

	"github.com/golang/snappy"

	"github.com/vincentbai/traceflow-agent/internal/models"
)

// decodeBlob undoes snappy compression when raw is not already JSON, so a
// blob written with either compression setting stays readable.
func decodeBlob(raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil || !json.Valid(decoded) {
		return raw
	}
	return decoded
}

// decodeSessions parses a session array and drops every entry that fails
// structural validation. The error is non-nil only when data is not a JSON
// array at all.
func decodeSessions(data []byte) ([]models.SessionRecord, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	sessions := make([]models.SessionRecord, 0, len(entries))
	for _, entry := range entries {
		rec, ok := validSession(entry)
		if !ok {
			continue
		}
		sessions = append(sessions, rec)
	}
	return sessions, nil
}

type sessionShape struct {
	SessionID json.RawMessage `json:"sessionId"`
	StartTime json.RawMessage `json:"startTime"`
	Events    json.RawMessage `json:"events"`
	Metadata  json.RawMessage `json:"metadata"`
}

// validSession reports whether entry has a non-empty string sessionId, a
// numeric startTime, an events array and a metadata object.
func validSession(entry json.RawMessage) (models.SessionRecord, bool) {
	var shape sessionShape
	if err := json.Unmarshal(entry, &shape); err != nil {
		return models.SessionRecord{}, false
	}

	var id string
	if err := json.Unmarshal(shape.SessionID, &id); err != nil || id == "" {
		return models.SessionRecord{}, false
	}
	if !isNumber(shape.StartTime) || !startsWith(shape.Events, '[') || !startsWith(shape.Metadata, '{') {
		return models.SessionRecord{}, false
	}

	var rec models.SessionRecord
	if err := json.Unmarshal(entry, &rec); err != nil {
		return models.SessionRecord{}, false
	}
	return rec, true
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	c := raw[0]
	return c == '-' || (c >= '0' && c <= '9')
}

func startsWith(raw json.RawMessage, c byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == c
}
