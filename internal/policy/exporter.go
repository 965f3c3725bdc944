package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/authzd/authzd/pkg/types"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// ExportFilters narrows an export to a kind and/or metadata names. Nil or
// zero-valued filters export everything.
type ExportFilters struct {
	Kind  types.PolicyKind `json:"kind,omitempty"`
	Names []string         `json:"names,omitempty"`
}

// ExportMetadata describes an export batch.
type ExportMetadata struct {
	Timestamp   time.Time `json:"timestamp"`
	PolicyCount int       `json:"policyCount"`
}

// Format reconstructs the administrative document for a validated policy.
// The output is canonical: normalized versions and generated rule names are
// written out, so formatting a reparsed document is idempotent.
func Format(pol *types.Policy) (*Document, error) {
	if pol == nil {
		return nil, fmt.Errorf("policy is nil")
	}

	doc := &Document{
		APIVersion: APIVersion,
		Kind:       pol.Kind,
		Metadata:   Metadata{Name: pol.Name, Scope: pol.Scope},
	}

	var spec interface{}
	switch pol.Kind {
	case types.KindResourcePolicy:
		rules := make([]resourceRuleSpec, 0, len(pol.Resource.Rules))
		for _, rule := range pol.Resource.Rules {
			rules = append(rules, resourceRuleSpec{
				Name:            rule.Name,
				Actions:         rule.Actions,
				Effect:          string(rule.Effect),
				Roles:           rule.Roles,
				DerivedRoles:    rule.DerivedRoles,
				Condition:       rule.Condition,
				RoleIndependent: rule.RoleIndependent,
			})
		}
		spec = resourcePolicySpec{
			Resource: pol.Resource.ResourceKind,
			Version:  pol.Version,
			Rules:    rules,
		}
	case types.KindPrincipalPolicy:
		rules := make([]principalRuleSpec, 0, len(pol.Principal.Rules))
		for _, rule := range pol.Principal.Rules {
			actions := make([]principalActionSpec, 0, len(rule.Actions))
			for _, action := range rule.Actions {
				actions = append(actions, principalActionSpec{
					Action:    action.Name,
					Effect:    string(action.Effect),
					Condition: action.Condition,
				})
			}
			rules = append(rules, principalRuleSpec{Resource: rule.Resource, Actions: actions})
		}
		spec = principalPolicySpec{
			Principal: pol.Principal.PrincipalPattern,
			Version:   pol.Version,
			Rules:     rules,
		}
	case types.KindDerivedRoles:
		defs := make([]definitionSpec, 0, len(pol.DerivedRoles.Definitions))
		for _, def := range pol.DerivedRoles.Definitions {
			defs = append(defs, definitionSpec{
				Name:        def.Name,
				ParentRoles: def.ParentRoles,
				Condition:   def.Condition,
			})
		}
		spec = derivedRolesSpec{Definitions: defs}
	default:
		return nil, fmt.Errorf("unknown policy kind %q", pol.Kind)
	}

	if err := doc.Spec.Encode(spec); err != nil {
		return nil, fmt.Errorf("failed to encode %s spec: %w", pol.Kind, err)
	}
	return doc, nil
}

// Exporter writes catalog policies back out as policy documents.
type Exporter struct {
	catalog *Catalog
}

// NewExporter creates a policy exporter over the catalog.
func NewExporter(catalog *Catalog) *Exporter {
	return &Exporter{catalog: catalog}
}

// Export formats the active policies matching the filters, in load order.
func (e *Exporter) Export(filters *ExportFilters) ([]*Document, error) {
	var docs []*Document
	for _, pol := range e.catalog.Snapshot().Policies() {
		if !matchesFilters(pol, filters) {
			continue
		}
		doc, err := Format(pol)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// WriteYAML writes documents as a multi-document YAML stream. The output
// reparses through ParseDocuments to an equivalent policy set.
func (e *Exporter) WriteYAML(w io.Writer, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode policy %q: %w", doc.Metadata.Name, err)
		}
	}
	return enc.Close()
}

// WriteJSON writes documents as a single JSON object with export metadata.
func (e *Exporter) WriteJSON(w io.Writer, docs []*Document) error {
	out := struct {
		Metadata ExportMetadata `json:"metadata"`
		Policies []jsonDocument `json:"policies"`
	}{
		Metadata: ExportMetadata{Timestamp: time.Now(), PolicyCount: len(docs)},
		Policies: make([]jsonDocument, 0, len(docs)),
	}

	for _, doc := range docs {
		var spec interface{}
		if err := doc.Spec.Decode(&spec); err != nil {
			return fmt.Errorf("failed to decode policy %q spec: %w", doc.Metadata.Name, err)
		}
		out.Policies = append(out.Policies, jsonDocument{
			APIVersion: doc.APIVersion,
			Kind:       doc.Kind,
			Metadata:   doc.Metadata,
			Spec:       spec,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// jsonDocument mirrors Document with a JSON-encodable spec payload.
type jsonDocument struct {
	APIVersion string           `json:"apiVersion"`
	Kind       types.PolicyKind `json:"kind"`
	Metadata   Metadata         `json:"metadata"`
	Spec       interface{}      `json:"spec"`
}

func matchesFilters(pol *types.Policy, filters *ExportFilters) bool {
	if filters == nil {
		return true
	}
	if filters.Kind != "" && pol.Kind != filters.Kind {
		return false
	}
	if len(filters.Names) > 0 {
		found := false
		for _, name := range filters.Names {
			if pol.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
