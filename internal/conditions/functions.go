package conditions

import (
	"net"
	"strings"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// functionDecls returns the fixed function allow-list. Every function here
// is pure and deterministic within one evaluation; none performs I/O.
func functionDecls() []cel.EnvOption {
	return []cel.EnvOption{
		// now() -> timestamp, fixed at evaluation entry.
		cel.Function("now",
			cel.Overload("now", []*cel.Type{}, cel.TimestampType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return celtypes.Timestamp{Time: timeNow()}
				}),
			),
		),

		// inIPRange(ip, cidr) -> bool
		cel.Function("inIPRange",
			cel.Overload("inIPRange_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(inIPRange),
			),
		),

		// hierarchy(path) -> list(string): ancestor chain, most specific first.
		// hierarchy("a.b.c") == ["a.b.c", "a.b", "a"]
		cel.Function("hierarchy",
			cel.Overload("hierarchy_string",
				[]*cel.Type{cel.StringType}, cel.ListType(cel.StringType),
				cel.UnaryBinding(hierarchy),
			),
		),

		// hasPermission(principal, permission) -> bool, checks the
		// principal's attr.permissions list.
		cel.Function("hasPermission",
			cel.Overload("hasPermission_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType}, cel.BoolType,
				cel.BinaryBinding(hasPermission),
			),
		),
	}
}

func inIPRange(ipVal, cidrVal ref.Val) ref.Val {
	ipStr, ok := ipVal.Value().(string)
	if !ok {
		return celtypes.NewErr("inIPRange: ip must be a string")
	}
	cidrStr, ok := cidrVal.Value().(string)
	if !ok {
		return celtypes.NewErr("inIPRange: range must be a string")
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return celtypes.NewErr("inIPRange: invalid IP address %q", ipStr)
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return celtypes.NewErr("inIPRange: invalid CIDR %q", cidrStr)
	}
	return celtypes.Bool(network.Contains(ip))
}

func hierarchy(pathVal ref.Val) ref.Val {
	path, ok := pathVal.Value().(string)
	if !ok {
		return celtypes.NewErr("hierarchy: argument must be a string")
	}
	if path == "" {
		return celtypes.NewStringList(celtypes.DefaultTypeAdapter, []string{})
	}

	segments := strings.Split(path, ".")
	chain := make([]string, len(segments))
	for i := len(segments); i > 0; i-- {
		chain[len(segments)-i] = strings.Join(segments[:i], ".")
	}
	return celtypes.NewStringList(celtypes.DefaultTypeAdapter, chain)
}

func hasPermission(principalVal, permVal ref.Val) ref.Val {
	principal, ok := principalVal.Value().(map[string]interface{})
	if !ok {
		return celtypes.NewErr("hasPermission: principal must be a map")
	}
	perm, ok := permVal.Value().(string)
	if !ok {
		return celtypes.NewErr("hasPermission: permission must be a string")
	}

	attrs, ok := principal["attr"].(map[string]interface{})
	if !ok {
		return celtypes.False
	}
	switch perms := attrs["permissions"].(type) {
	case []interface{}:
		for _, p := range perms {
			if p == perm {
				return celtypes.True
			}
		}
	case []string:
		for _, p := range perms {
			if p == perm {
				return celtypes.True
			}
		}
	}
	return celtypes.False
}
