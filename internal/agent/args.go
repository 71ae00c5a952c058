package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseArgs turns an ordered token list into Params.
//
// Grammar:
//
//	--key value    key/value pair
//	--key=value    key/value pair
//	--flag         boolean true (when not followed by a value token)
//	anything else  positional, collected under the "args" key
//
// Values are decoded as JSON when they parse as JSON scalars (numbers,
// booleans, null), and kept as strings otherwise, so class parameter schemas
// see typed values.
func ParseArgs(tokens []string) (Params, error) {
	params := Params{}
	var positional []any

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "--") {
			positional = append(positional, coerce(tok))
			continue
		}

		body := strings.TrimPrefix(tok, "--")
		if body == "" {
			return nil, fmt.Errorf("%w: bare %q token", ErrInvalidArguments, "--")
		}

		if key, value, ok := strings.Cut(body, "="); ok {
			if key == "" {
				return nil, fmt.Errorf("%w: empty key in %q", ErrInvalidArguments, tok)
			}
			if err := setParam(params, key, coerce(value)); err != nil {
				return nil, err
			}
			continue
		}

		// Next token is the value unless it is another flag or missing.
		if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
			if err := setParam(params, body, coerce(tokens[i+1])); err != nil {
				return nil, err
			}
			i++
			continue
		}
		if err := setParam(params, body, true); err != nil {
			return nil, err
		}
	}

	if len(positional) > 0 {
		params["args"] = positional
	}
	return params, nil
}

func setParam(params Params, key string, value any) error {
	if _, dup := params[key]; dup {
		return fmt.Errorf("%w: duplicate flag --%s", ErrInvalidArguments, key)
	}
	params[key] = value
	return nil
}

// coerce decodes a token into its JSON type when possible.  Quoted strings
// and bare words stay strings.
func coerce(tok string) any {
	var v any
	if err := json.Unmarshal([]byte(tok), &v); err != nil {
		return tok
	}
	switch v.(type) {
	case float64, bool, nil, string:
		return v
	default:
		// Arrays/objects in argument tokens are not a thing; treat the raw
		// token as an opaque string.
		return tok
	}
}
