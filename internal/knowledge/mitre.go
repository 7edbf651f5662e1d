package knowledge

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// stixBundle is the subset of a MITRE ATT&CK STIX 2.x bundle that is indexed.
type stixBundle struct {
	Type    string       `json:"type"`
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string            `json:"type"`
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Revoked            bool              `json:"revoked"`
	Deprecated         bool              `json:"x_mitre_deprecated"`
	Platforms          []string          `json:"x_mitre_platforms"`
	DataSources        []string          `json:"x_mitre_data_sources"`
	KillChainPhases    []stixKillChain   `json:"kill_chain_phases"`
	ExternalReferences []stixExternalRef `json:"external_references"`
}

type stixKillChain struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type stixExternalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// ParseMITRE converts the attack-pattern objects of a STIX bundle into
// documents keyed by technique ID. Revoked and deprecated techniques are
// skipped.
func ParseMITRE(r io.Reader) ([]Document, error) {
	var bundle stixBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode stix bundle: %w", err)
	}
	if bundle.Type != "bundle" {
		return nil, fmt.Errorf("not a stix bundle (type %q)", bundle.Type)
	}

	docs := make([]Document, 0, len(bundle.Objects)/4)
	seen := make(map[string]bool)
	for _, obj := range bundle.Objects {
		if obj.Type != "attack-pattern" || obj.Revoked || obj.Deprecated {
			continue
		}

		techniqueID, url := attackReference(obj.ExternalReferences)
		if techniqueID == "" || seen[techniqueID] {
			continue
		}
		seen[techniqueID] = true

		tactics := make([]string, 0, len(obj.KillChainPhases))
		for _, p := range obj.KillChainPhases {
			tactics = append(tactics, p.PhaseName)
		}
		primary := "unknown"
		if len(tactics) > 0 {
			primary = tactics[0]
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Technique: %s - %s\n", techniqueID, obj.Name)
		fmt.Fprintf(&b, "Tactics: %s\n", strings.Join(tactics, ", "))
		fmt.Fprintf(&b, "Description: %s\n", obj.Description)
		fmt.Fprintf(&b, "Platforms: %s\n", strings.Join(obj.Platforms, ", "))
		fmt.Fprintf(&b, "Data Sources: %s", strings.Join(obj.DataSources, ", "))

		md := map[string]any{
			"technique_id": techniqueID,
			"name":         obj.Name,
			"tactic":       primary,
			"tactics":      tactics,
			"platforms":    nonNil(obj.Platforms),
			"type":         "mitre_technique",
		}
		if url != "" {
			md["url"] = url
		}

		docs = append(docs, Document{ID: techniqueID, Content: b.String(), Metadata: md})
	}
	return docs, nil
}

// attackReference picks the mitre-attack external reference, falling back to
// the first reference with an external ID.
func attackReference(refs []stixExternalRef) (id, url string) {
	for _, ref := range refs {
		if ref.SourceName == "mitre-attack" && ref.ExternalID != "" {
			return ref.ExternalID, ref.URL
		}
	}
	for _, ref := range refs {
		if ref.ExternalID != "" {
			return ref.ExternalID, ref.URL
		}
	}
	return "", ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
