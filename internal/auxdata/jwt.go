// Package auxdata enriches the evaluation context from request auxData.
package auxdata

import (
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/authzd/authzd/pkg/types"
)

// Config configures auxData extraction.
type Config struct {
	// HMACSecret verifies tokens signed with HS256/384/512. When empty,
	// tokens are decoded without signature verification and the trace is
	// annotated accordingly; conditions relying on claims should treat
	// unverified claims as advisory.
	HMACSecret []byte
}

// Extractor turns the raw auxData bag into the map exposed to conditions
// as A / auxData. A JWT carried in auxData.jwt.token is verified and its
// claims exposed under A.jwt.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// NewExtractor creates an auxData extractor.
func NewExtractor(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract returns the condition-visible auxData map plus trace annotations.
// A verification failure never aborts the check: the jwt key is simply
// absent and the failure is annotated, so any condition over A.jwt fails
// closed.
func (e *Extractor) Extract(aux map[string]types.Value) (map[string]interface{}, []string) {
	out := types.NativeMap(aux)
	if len(aux) == 0 {
		return out, nil
	}

	token := tokenFrom(aux)
	if token == "" {
		return out, nil
	}
	delete(out, "jwt")

	var annotations []string
	claims := jwt.MapClaims{}

	if len(e.cfg.HMACSecret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return e.cfg.HMACSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			e.logger.Debug("auxData JWT rejected", zap.Error(err))
			return out, []string{"auxdata:jwt_verification_failed"}
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			e.logger.Debug("auxData JWT malformed", zap.Error(err))
			return out, []string{"auxdata:jwt_malformed"}
		}
		annotations = append(annotations, "auxdata:jwt_unverified")
	}

	out["jwt"] = map[string]interface{}(claims)
	return out, annotations
}

// tokenFrom pulls auxData.jwt.token (or a bare auxData.jwt string).
func tokenFrom(aux map[string]types.Value) string {
	v, ok := aux["jwt"]
	if !ok {
		return ""
	}
	switch v.Kind() {
	case types.StringValue:
		return v.StringVal()
	case types.MapValue:
		if t, ok := v.MapVal()["token"]; ok && t.Kind() == types.StringValue {
			return t.StringVal()
		}
	}
	return ""
}
