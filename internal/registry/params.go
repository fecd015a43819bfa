// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Ingest source resolution modes.
const (
	ModeExplicit = "explicit"
	ModeDerived  = "derived"
)

// Resolved is the outcome of validating raw parameters against a spec.
type Resolved struct {
	// Params is the canonical parameter map after aliases, coercion, and
	// defaults.
	Params map[string]any

	// CanonicalJSON is Params encoded with sorted keys.
	CanonicalJSON string

	// IdempotencyKey is sha256(pipeline + canonical params) in hex,
	// unless the caller supplied its own key upstream.
	IdempotencyKey string
}

// IngestSource is the result of resolving an ingest pipeline's file_path.
type IngestSource struct {
	// FilePath is the resolved input path.
	FilePath string

	// Mode records how the path was obtained: explicit or derived.
	Mode string

	// Substituted holds the template values used in derived mode.
	Substituted map[string]string
}

// Validate runs the full parameter pipeline for (spec, raw): aliases,
// type coercion, required enforcement, defaults, ingest file_path
// derivation, and canonical encoding. It is pure; the same inputs always
// produce the same Resolved.
func Validate(spec PipelineSpec, raw map[string]any) (*Resolved, error) {
	params := make(map[string]any, len(spec.Params))

	for _, def := range spec.Params {
		value, present := raw[def.Name]

		if !present {
			if def.Required {
				return nil, spineerrors.Validation(def.Name, "required parameter missing").
					WithDetail("error", "ParamMissing")
			}
			if def.Default != nil {
				params[def.Name] = def.Default
			}
			continue
		}

		coerced, err := coerce(def, value)
		if err != nil {
			return nil, err
		}
		params[def.Name] = coerced
	}

	// Reject unknown parameters so typos fail loudly.
	for name := range raw {
		if !declared(spec, name) {
			return nil, spineerrors.Validation(name, "unknown parameter").
				WithDetail("error", "ParamInvalid")
		}
	}

	if spec.Ingest {
		src, err := ResolveIngestSource(spec, params)
		if err != nil {
			return nil, err
		}
		params["file_path"] = src.FilePath
	}

	canonical, err := CanonicalJSON(params)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Params:         params,
		CanonicalJSON:  canonical,
		IdempotencyKey: IdempotencyKey(spec.Name, canonical),
	}, nil
}

func declared(spec PipelineSpec, name string) bool {
	for _, def := range spec.Params {
		if def.Name == name {
			return true
		}
	}
	return false
}

// coerce converts a raw value to the declared type. Aliases apply to enum
// parameters before membership is checked.
func coerce(def ParamDef, value any) (any, error) {
	invalid := func(reason string) error {
		return spineerrors.Validation(def.Name, reason).WithDetail("error", "ParamInvalid")
	}

	switch def.Type {
	case TypeString, TypePath:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected string, got %T", value))
		}
		if def.Type == TypePath && s == "" {
			return nil, invalid("path must not be empty")
		}
		return s, nil

	case TypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, invalid("expected integer, got fractional number")
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, invalid(fmt.Sprintf("cannot parse %q as integer", v))
			}
			return n, nil
		default:
			return nil, invalid(fmt.Sprintf("expected integer, got %T", value))
		}

	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
			return nil, invalid(fmt.Sprintf("cannot parse %q as boolean", v))
		default:
			return nil, invalid(fmt.Sprintf("expected boolean, got %T", value))
		}

	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected date string, got %T", value))
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, invalid(fmt.Sprintf("cannot parse %q as date (want YYYY-MM-DD)", s))
		}
		return s, nil

	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected enum string, got %T", value))
		}
		if canonical, ok := def.Aliases[strings.ToLower(s)]; ok {
			s = canonical
		}
		for _, allowed := range def.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, invalid(fmt.Sprintf("%q is not one of %v", s, def.Values))

	default:
		return nil, invalid(fmt.Sprintf("unknown parameter type %q", def.Type))
	}
}

// ResolveIngestSource resolves file_path for an ingest pipeline. An
// explicit file_path always wins; otherwise the spec's template is filled
// from the params. An unresolvable source is a permanent validation
// failure and never creates an execution.
func ResolveIngestSource(spec PipelineSpec, params map[string]any) (*IngestSource, error) {
	if fp, ok := params["file_path"].(string); ok && fp != "" {
		return &IngestSource{FilePath: fp, Mode: ModeExplicit}, nil
	}

	if spec.FilePathTemplate == "" {
		return nil, spineerrors.Validation("file_path",
			"file_path absent and pipeline has no derivation rule").
			WithDetail("error", "IngestSourceUnresolved")
	}

	path, substituted, err := expandTemplate(spec.FilePathTemplate, params)
	if err != nil {
		return nil, spineerrors.Validation("file_path",
			"cannot derive file_path: "+err.Error()).
			WithDetail("error", "IngestSourceUnresolved")
	}
	return &IngestSource{FilePath: path, Mode: ModeDerived, Substituted: substituted}, nil
}

// ConcurrencyKey expands the spec's concurrency key template against the
// canonical params. An empty template yields an empty key (no locking).
func ConcurrencyKey(spec PipelineSpec, params map[string]any) (string, error) {
	if spec.ConcurrencyKeyTemplate == "" {
		return "", nil
	}
	key, _, err := expandTemplate(spec.ConcurrencyKeyTemplate, params)
	if err != nil {
		return "", spineerrors.Validation("concurrency_key", err.Error())
	}
	return key, nil
}

// expandTemplate substitutes {name} placeholders from params.
func expandTemplate(template string, params map[string]any) (string, map[string]string, error) {
	substituted := make(map[string]string)
	var out strings.Builder

	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			break
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return "", nil, fmt.Errorf("unbalanced placeholder in template %q", template)
		}
		out.WriteString(rest[:open])
		name := rest[open+1 : open+close]
		value, ok := params[name]
		if !ok || value == nil {
			return "", nil, fmt.Errorf("template parameter %q not provided", name)
		}
		s := fmt.Sprintf("%v", value)
		substituted[name] = s
		out.WriteString(s)
		rest = rest[open+close+1:]
	}
	return out.String(), substituted, nil
}

// CanonicalJSON encodes params with sorted keys. encoding/json sorts map
// keys, which is exactly the canonical form the idempotency key needs.
func CanonicalJSON(params map[string]any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", spineerrors.Permanent(err, "encoding canonical params")
	}
	return string(data), nil
}

// IdempotencyKey derives the stable key for (pipeline, canonical params).
func IdempotencyKey(pipeline, canonicalJSON string) string {
	sum := sha256.Sum256([]byte(pipeline + ":" + canonicalJSON))
	return hex.EncodeToString(sum[:])
}
