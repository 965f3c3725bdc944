// Package policy provides policy document parsing, validation, and the
// copy-on-write catalog of active policies.
package policy

import (
	"gopkg.in/yaml.v3"

	"github.com/authzd/authzd/pkg/types"
)

// APIVersion is the accepted document apiVersion.
const APIVersion = "authz/v1"

// Document is the raw administrative policy envelope. The spec payload is
// decoded per kind by the validator; a Document carries no guarantees.
type Document struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion"`
	Kind       types.PolicyKind `yaml:"kind" json:"kind"`
	Metadata   Metadata         `yaml:"metadata" json:"metadata"`
	Spec       yaml.Node        `yaml:"spec" json:"spec"`
}

// Metadata holds the document identity fields.
type Metadata struct {
	Name  string `yaml:"name" json:"name"`
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// Raw spec payloads, one per kind. Field types here are deliberately loose;
// the validator is the sole place where they become typed policies.

type resourcePolicySpec struct {
	Resource string             `yaml:"resource"`
	Version  string             `yaml:"version"`
	Rules    []resourceRuleSpec `yaml:"rules"`
}

type resourceRuleSpec struct {
	Name            string   `yaml:"name,omitempty"`
	Actions         []string `yaml:"actions"`
	Effect          string   `yaml:"effect"`
	Roles           []string `yaml:"roles,omitempty"`
	DerivedRoles    []string `yaml:"derivedRoles,omitempty"`
	Condition       string   `yaml:"condition,omitempty"`
	RoleIndependent bool     `yaml:"roleIndependent,omitempty"`
}

type principalPolicySpec struct {
	Principal string              `yaml:"principal"`
	Version   string              `yaml:"version"`
	Rules     []principalRuleSpec `yaml:"rules"`
}

type principalRuleSpec struct {
	Resource string                `yaml:"resource"`
	Actions  []principalActionSpec `yaml:"actions"`
}

type principalActionSpec struct {
	Action    string `yaml:"action"`
	Effect    string `yaml:"effect"`
	Condition string `yaml:"condition,omitempty"`
}

type derivedRolesSpec struct {
	Definitions []definitionSpec `yaml:"definitions"`
}

type definitionSpec struct {
	Name        string   `yaml:"name"`
	ParentRoles []string `yaml:"parentRoles,omitempty"`
	Condition   string   `yaml:"condition,omitempty"`
}
