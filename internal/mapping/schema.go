package mapping

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	cueCtx     *cue.Context
	mappingDef cue.Value
	schemaErr  error
)

func mappingSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		cueCtx = cuecontext.New()
		v := cueCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile mapping schema: %w", err)
			return
		}
		mappingDef = v.LookupPath(cue.ParsePath("#Mapping"))
	})
	return cueCtx, mappingDef, schemaErr
}

// checkSchema validates raw file content against the mapping schema.
func checkSchema(filename string, data []byte, format Format) error {
	ctx, def, err := mappingSchema()
	if err != nil {
		return err
	}

	var doc cue.Value
	switch format {
	case FormatYAML:
		f, err := cueyaml.Extract(filename, data)
		if err != nil {
			return err
		}
		doc = ctx.BuildFile(f)
	default:
		doc = ctx.CompileBytes(data, cue.Filename(filename))
	}
	if err := doc.Err(); err != nil {
		return err
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError flattens CUE's error list into one readable message.
func schemaError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%d:%d: %s", pos.Line(), pos.Column(), msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
