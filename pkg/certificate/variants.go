package certificate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/faults"
)

//go:embed schema/*.json
var schemaFS embed.FS

// Variant is one recognised (format, version range) pair. The set is closed:
// a container matching no variant is rejected before any field is read.
type Variant struct {
	Format           string
	Versions         string
	Canonicalization string
	SchemaFile       string

	constraint *semver.Constraints
	schema     *jsonschema.Schema
	manifest   *jsonschema.Schema
}

type compiledSchema struct {
	container *jsonschema.Schema
	manifest  *jsonschema.Schema
}

var (
	variantsOnce sync.Once
	variants     []*Variant
	variantsErr  error
)

func knownVariants() ([]*Variant, error) {
	variantsOnce.Do(func() {
		defs := []*Variant{
			{Format: FormatECOX, Versions: ">= 1.0.0, < 2.0.0", Canonicalization: canonicalize.Scheme, SchemaFile: "schema/container-v1.schema.json"},
			{Format: FormatECO, Versions: ">= 1.0.0, < 2.0.0", Canonicalization: canonicalize.Scheme, SchemaFile: "schema/container-v1.schema.json"},
		}
		compiled := map[string]compiledSchema{}
		for _, v := range defs {
			c, err := semver.NewConstraint(v.Versions)
			if err != nil {
				variantsErr = fmt.Errorf("variant %s: %w", v.Format, err)
				return
			}
			v.constraint = c
			sch, ok := compiled[v.SchemaFile]
			if !ok {
				if sch, err = compileSchema(v.SchemaFile); err != nil {
					variantsErr = err
					return
				}
				compiled[v.SchemaFile] = sch
			}
			v.schema = sch.container
			v.manifest = sch.manifest
		}
		variants = defs
	})
	return variants, variantsErr
}

// compileSchema compiles the container schema and its manifest definition,
// which issuance checks before anything is signed.
func compileSchema(file string) (compiledSchema, error) {
	var out compiledSchema
	data, err := schemaFS.ReadFile(file)
	if err != nil {
		return out, fmt.Errorf("read schema %s: %w", file, err)
	}
	url := "mem://ecocert/" + file
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return out, fmt.Errorf("add schema %s: %w", file, err)
	}
	if out.container, err = c.Compile(url); err != nil {
		return out, fmt.Errorf("compile schema %s: %w", file, err)
	}
	if out.manifest, err = c.Compile(url + "#/$defs/manifest"); err != nil {
		return out, fmt.Errorf("compile manifest schema %s: %w", file, err)
	}
	return out, nil
}

// validateJSON decodes raw the way the schema library expects, numbers kept
// as json.Number, and validates it against sch.
func validateJSON(sch *jsonschema.Schema, raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return faults.Wrap(faults.CodeMalformedContainer, err, "decode")
	}
	if err := sch.Validate(doc); err != nil {
		return faults.New(faults.CodeMalformedContainer, "schema: %s", schemaDetail(err))
	}
	return nil
}

func lookupVariant(format, version string) (*Variant, error) {
	all, err := knownVariants()
	if err != nil {
		return nil, err
	}
	ver, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, faults.New(faults.CodeUnsupportedVersion, "version %q is not a recognised release", version)
	}
	formatKnown := false
	for _, v := range all {
		if v.Format != format {
			continue
		}
		formatKnown = true
		if v.constraint.Check(ver) {
			return v, nil
		}
	}
	if !formatKnown {
		return nil, faults.New(faults.CodeUnsupportedVersion, "format %q is not recognised", format)
	}
	return nil, faults.New(faults.CodeUnsupportedVersion, "%s version %s is outside the supported range", format, version)
}
