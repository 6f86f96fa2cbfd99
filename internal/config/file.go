package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/core"
)

//go:embed schema.cue
var schemaSource string

// FileError is a schema violation in a participant file.
type FileError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *FileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadFile reads a participant file (.yaml, .yml or .cue), validates it
// against the schema and returns its values as dotted keys.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.CodeNotFound, "config.LoadFile", err, path)
	}
	return Parse(path, data)
}

// Parse validates and flattens the contents of a participant file. The
// format is chosen by the extension of name.
func Parse(name string, data []byte) (map[string]string, error) {
	const op = "config.Parse"
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Participant"))
	if err := schema.Err(); err != nil {
		return nil, core.Wrap(core.CodeUnexpected, op, err, "compile schema")
	}

	var doc cue.Value
	switch filepath.Ext(name) {
	case ".cue":
		doc = ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, core.Wrap(core.CodeInvalidArgument, op, err, name)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		doc = ctx.Encode(raw)
	default:
		return nil, core.Errorf(core.CodeInvalidArgument, op, "%s: unsupported file type", name)
	}
	if err := doc.Err(); err != nil {
		return nil, core.Wrap(core.CodeInvalidArgument, op, fileError(name, err), "parse")
	}

	v := schema.Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, core.Wrap(core.CodeInvalidArgument, op, fileError(name, err), "validate")
	}

	var tree map[string]any
	if err := v.Decode(&tree); err != nil {
		return nil, core.Wrap(core.CodeInvalidArgument, op, err, name)
	}
	out := make(map[string]string)
	flatten("", tree, out)
	return out, nil
}

// fileError keeps the first CUE error and its position.
func fileError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	fe := &FileError{Path: path, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		fe.Pos = pos[0]
	}
	return fe
}

func flatten(prefix string, v any, out map[string]string) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, x[k], out)
		}
	case nil:
	default:
		out[prefix] = fmt.Sprint(x)
	}
}
