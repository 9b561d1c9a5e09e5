package config

import (
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

var schemas = NewSchemaRegistry()

// decodeCUE unifies a CUE source with the built-in schema and decodes the
// result on top of cfg.
func decodeCUE(path string, data []byte, cfg *Config) error {
	val, src, err := schemas.Unify(ConfigSchema, string(data), path)
	if err != nil {
		return convertCUEErrors(err, src, path)
	}
	if err := val.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors. Schema errors
// such as empty disjunctions carry no position of their own; those are
// located through the offending value in src.
func convertCUEErrors(err error, src cue.Value, path string) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		fields := configPath(e.Path())
		pos, inFile := errorPosition(e, path)
		if !inFile && src.Exists() {
			if p := sourcePosition(src, fields); p.IsValid() {
				pos = p
			}
		}

		ve := ValidationError{
			File: path,
			Path: strings.Join(fields, "."),
		}
		if pos.IsValid() {
			if f := pos.Filename(); f != "" {
				ve.File = f
			}
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

// configPath drops the schema definition prefix, so "#Config.store.path"
// reads as "store.path".
func configPath(p []string) []string {
	for len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return p
}

// errorPosition prefers a position inside the config file over one inside
// the built-in schema. inFile reports which one was found.
func errorPosition(e errors.Error, path string) (pos token.Pos, inFile bool) {
	for _, p := range errors.Positions(e) {
		if !p.IsValid() {
			continue
		}
		if p.Filename() == path {
			return p, true
		}
		if !pos.IsValid() {
			pos = p
		}
	}
	return pos, false
}

// sourcePosition finds the closest value in src along fields.
func sourcePosition(src cue.Value, fields []string) token.Pos {
	for n := len(fields); n > 0; n-- {
		sels := make([]cue.Selector, n)
		for i, f := range fields[:n] {
			if idx, err := strconv.Atoi(f); err == nil {
				sels[i] = cue.Index(idx)
			} else {
				sels[i] = cue.Str(f)
			}
		}
		if v := src.LookupPath(cue.MakePath(sels...)); v.Exists() {
			if pos := v.Pos(); pos.IsValid() {
				return pos
			}
		}
	}
	return token.NoPos
}
