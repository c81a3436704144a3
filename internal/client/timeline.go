package client

import (
	"encoding/json"
	"strings"
)

// Status is the processing state of a timeline.
type Status string

// Timeline states.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ParseStatus maps the server's status vocabulary onto Status.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ready":
		return StatusReady
	case "fail", "failed", "error":
		return StatusFailed
	case "processing", "importing":
		return StatusProcessing
	default:
		return StatusPending
	}
}

// Timeline is the server-side result of an import session.
type Timeline struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IndexName string `json:"index_name"`
	Status    Status `json:"status"`
}

// UnmarshalJSON accepts the index name at top level or under
// searchindex.index_name, and the status as a string or a list of
// {"status": ...} objects.
func (t *Timeline) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          int    `json:"id"`
		Name        string `json:"name"`
		IndexName   string `json:"index_name"`
		SearchIndex *struct {
			IndexName string `json:"index_name"`
		} `json:"searchindex"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.ID = raw.ID
	t.Name = raw.Name
	t.IndexName = raw.IndexName
	if t.IndexName == "" && raw.SearchIndex != nil {
		t.IndexName = raw.SearchIndex.IndexName
	}
	t.Status = parseRawStatus(raw.Status)
	return nil
}

func parseRawStatus(raw json.RawMessage) Status {
	if len(raw) == 0 || string(raw) == "null" {
		return StatusPending
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseStatus(s)
	}

	var list []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return ParseStatus(list[0].Status)
	}
	return StatusPending
}
