package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WazuhRule is the rule section of a Wazuh alert.
type WazuhRule struct {
	Level       int                 `json:"level"`
	Description string              `json:"description"`
	ID          string              `json:"id"`
	Mitre       map[string][]string `json:"mitre,omitempty"`
	Groups      []string            `json:"groups,omitempty"`
	FiredTimes  int                 `json:"firedtimes,omitempty"`
}

// WazuhAgent identifies the agent that produced the alert.
type WazuhAgent struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// WazuhData holds the decoder output. Only the fields the pipeline uses are
// typed; everything else is kept in the full_log copy.
type WazuhData struct {
	SrcIP    string   `json:"srcip,omitempty"`
	SrcPort  flexPort `json:"srcport,omitempty"`
	DstIP    string   `json:"dstip,omitempty"`
	DstPort  flexPort `json:"dstport,omitempty"`
	SrcUser  string   `json:"srcuser,omitempty"`
	DstUser  string   `json:"dstuser,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Process  string   `json:"process,omitempty"`
}

// WazuhAlert is the alert document Wazuh 4.x writes to alerts.json and posts
// to integrations.
type WazuhAlert struct {
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Rule      WazuhRule   `json:"rule"`
	Agent     *WazuhAgent `json:"agent,omitempty"`
	FullLog   string      `json:"full_log,omitempty"`
	Location  string      `json:"location,omitempty"`
	Data      *WazuhData  `json:"data,omitempty"`

	raw map[string]any
}

// UnmarshalJSON decodes the typed fields and keeps the whole document so it
// can be forwarded as structured context.
func (w *WazuhAlert) UnmarshalJSON(b []byte) error {
	type plain WazuhAlert
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*w = WazuhAlert(p)
	w.raw = raw
	return nil
}

// wazuhTimeLayouts covers the formats Wazuh emits ("2025-01-13T14:30:45.123+0000").
var wazuhTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

func parseWazuhTime(s string) time.Time {
	for _, layout := range wazuhTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FromWazuh converts a Wazuh alert into the pipeline's Alert. Decoder fields
// take precedence over the agent address, and the source user wins over the
// destination user.
func FromWazuh(w *WazuhAlert) *Alert {
	a := &Alert{
		ID:              w.ID,
		Timestamp:       parseWazuhTime(w.Timestamp),
		RuleID:          w.Rule.ID,
		RuleDescription: w.Rule.Description,
		RuleLevel:       w.Rule.Level,
		RawLog:          w.FullLog,
		FullLog:         w.raw,
	}
	if w.Rule.Mitre != nil {
		a.MitreTechniques = w.Rule.Mitre["id"]
	}

	if w.Agent != nil {
		a.SourceHostname = w.Agent.Name
		a.SourceIP = w.Agent.IP
	}

	if d := w.Data; d != nil {
		if d.SrcIP != "" {
			a.SourceIP = d.SrcIP
		}
		if d.SrcPort > 0 {
			a.SourcePort = int(d.SrcPort)
		}
		if d.DstIP != "" {
			a.DestIP = d.DstIP
		}
		if d.DstPort > 0 {
			a.DestPort = int(d.DstPort)
		}
		switch {
		case d.SrcUser != "":
			a.User = d.SrcUser
		case d.DstUser != "":
			a.User = d.DstUser
		}
		a.Process = d.Process
	}

	return a
}

// flexPort accepts ports encoded either as JSON numbers or as strings, Wazuh
// decoders emit both.
type flexPort int

func (p *flexPort) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", s, err)
		}
		*p = flexPort(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid port %s: %w", string(b), err)
	}
	*p = flexPort(n)
	return nil
}
