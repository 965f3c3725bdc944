package policy

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authzd/authzd/pkg/types"
)

// exportFixture covers all three kinds, an unnamed rule, and a scope, so the
// formatted output exercises every normalization the validator applies.
const exportFixture = `
apiVersion: authz/v1
kind: DerivedRoles
metadata:
  name: common-roles
spec:
  definitions:
    - name: owner
      parentRoles: ["user"]
      condition: 'R.attr.ownerId == P.id'
---
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: document-policy
  scope: acme
spec:
  resource: document
  rules:
    - name: owner-delete
      actions: ["delete"]
      effect: allow
      derivedRoles: ["owner"]
    - actions: ["view"]
      effect: allow
      roles: ["viewer"]
      condition: 'R.attr.public == true'
---
apiVersion: authz/v1
kind: PrincipalPolicy
metadata:
  name: mallory-lockout
spec:
  principal: mallory
  rules:
    - resource: "*"
      actions:
        - action: "*"
          effect: deny
`

func validateAllDocs(t *testing.T, v *Validator, docs []*Document) []*types.Policy {
	t.Helper()
	policies := make([]*types.Policy, 0, len(docs))
	for _, doc := range docs {
		pol, err := v.Validate(doc)
		require.NoError(t, err)
		policies = append(policies, pol)
	}
	return policies
}

func TestFormatRoundTrip(t *testing.T) {
	v := newTestValidator(t)
	policies := validateAllDocs(t, v, parseAll(t, exportFixture))

	docs := make([]*Document, 0, len(policies))
	for _, pol := range policies {
		doc, err := Format(pol)
		require.NoError(t, err)
		docs = append(docs, doc)
	}

	var buf bytes.Buffer
	exp := NewExporter(nil)
	require.NoError(t, exp.WriteYAML(&buf, docs))

	reparsed := validateAllDocs(t, v, parseAll(t, buf.String()))
	assert.Equal(t, policies, reparsed)
}

func TestFormatIsCanonical(t *testing.T) {
	v := newTestValidator(t)
	exp := NewExporter(nil)

	format := func(yaml string) string {
		t.Helper()
		policies := validateAllDocs(t, v, parseAll(t, yaml))
		docs := make([]*Document, 0, len(policies))
		for _, pol := range policies {
			doc, err := Format(pol)
			require.NoError(t, err)
			docs = append(docs, doc)
		}
		var buf bytes.Buffer
		require.NoError(t, exp.WriteYAML(&buf, docs))
		return buf.String()
	}

	// Formatting fixes the version and generated rule names in place, so a
	// second parse-format pass is the identity.
	first := format(exportFixture)
	assert.Equal(t, first, format(first))
}

func TestFormatEmitsNormalizedFields(t *testing.T) {
	v := newTestValidator(t)
	policies := validateAllDocs(t, v, parseAll(t, exportFixture))

	doc, err := Format(policies[1])
	require.NoError(t, err)

	var spec resourcePolicySpec
	require.NoError(t, doc.Spec.Decode(&spec))
	assert.Equal(t, types.DefaultVersion, spec.Version)
	assert.Equal(t, "rule-002", spec.Rules[1].Name)
	assert.Equal(t, "acme", doc.Metadata.Scope)
}

func TestExportFilters(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.ReplaceAll(parseAll(t, exportFixture)))
	exp := NewExporter(c)

	all, err := exp.Export(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	resources, err := exp.Export(&ExportFilters{Kind: types.KindResourcePolicy})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "document-policy", resources[0].Metadata.Name)

	named, err := exp.Export(&ExportFilters{Names: []string{"common-roles"}})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, types.KindDerivedRoles, named[0].Kind)
}

func TestExportYAMLReloadsIntoEquivalentCatalog(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.ReplaceAll(parseAll(t, exportFixture)))

	exp := NewExporter(c)
	docs, err := exp.Export(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, exp.WriteYAML(&buf, docs))

	restored := newTestCatalog(t)
	require.NoError(t, restored.ReplaceAll(parseAll(t, buf.String())))
	assert.Equal(t, c.Count(), restored.Count())
	assert.Equal(t, c.Snapshot().Policies(), restored.Snapshot().Policies())
}

func TestWriteJSON(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.ReplaceAll(parseAll(t, exportFixture)))

	exp := NewExporter(c)
	docs, err := exp.Export(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, exp.WriteJSON(&buf, docs))

	var out struct {
		Metadata ExportMetadata           `json:"metadata"`
		Policies []map[string]interface{} `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 3, out.Metadata.PolicyCount)
	require.Len(t, out.Policies, 3)
	assert.Equal(t, "common-roles", out.Policies[0]["metadata"].(map[string]interface{})["name"])
}
