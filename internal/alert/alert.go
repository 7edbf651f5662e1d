// Package alert defines the security alert handed to the triage pipeline and
// the validation applied at the ingestion boundary.
package alert

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// MaxLevel is the highest rule level an intrusion-detection manager assigns.
const MaxLevel = 15

//go:embed alert.schema.json
var schemaJSON []byte

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("alert: load schema: %v", err))
	}
	return s
}()

// Alert is a single security event. It is treated as immutable once it has
// passed Validate.
type Alert struct {
	ID              string         `json:"alert_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	RuleID          string         `json:"rule_id,omitempty"`
	RuleDescription string         `json:"rule_description,omitempty"`
	RuleLevel       int            `json:"rule_level"`
	SourceIP        string         `json:"source_ip,omitempty"`
	SourcePort      int            `json:"source_port,omitempty"`
	DestIP          string         `json:"dest_ip,omitempty"`
	DestPort        int            `json:"dest_port,omitempty"`
	SourceHostname  string         `json:"source_hostname,omitempty"`
	User            string         `json:"user,omitempty"`
	Process         string         `json:"process,omitempty"`
	RawLog          string         `json:"raw_log,omitempty"`
	FullLog         map[string]any `json:"full_log,omitempty"`
	MitreTechniques []string       `json:"mitre_technique,omitempty"`
}

// Validate checks the alert against the boundary schema. Timestamp defaults
// to now when the sender left it empty.
func (a *Alert) Validate() error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate alert: %w", err)
	}
	if !result.Valid() {
		errs := make([]error, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, errors.New(desc.String()))
		}
		return errors.Join(errs...)
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return nil
}

// NetworkFlow returns the raw network_flow payload carried in FullLog, if any.
func (a *Alert) NetworkFlow() (any, bool) {
	if a == nil || a.FullLog == nil {
		return nil, false
	}
	flow, ok := a.FullLog["network_flow"]
	if !ok || flow == nil {
		return nil, false
	}
	return flow, true
}
