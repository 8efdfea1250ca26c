// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ruleset

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
)

// ValidationError is a problem found in a ruleset.
type ValidationError struct {
	// Path locates the offending field, e.g. "tables.0.chains.1.hook".
	Path    string
	Message string
}

// ValidationErrors collects every problem found in a ruleset.
type ValidationErrors []ValidationError

// Error implements error.Error.
func (ve ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ruleset has %d error(s):", len(ve))
	for _, e := range ve {
		fmt.Fprintf(&sb, "\n  %s: %s", e.Path, e.Message)
	}
	return sb.String()
}

var identifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_./-]*$`)

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("nft_identifier", func(fl validator.FieldLevel) bool {
		return identifierRegexp.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// validationMessage returns a readable message for a failed tag.
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "required_with":
		return fmt.Sprintf("field is required when %s is set", strings.ToLower(e.Param()))
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "nft_identifier":
		return "must start with a letter or underscore and contain only [a-zA-Z0-9_./-]"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// fieldPath converts a validator namespace ("Ruleset.tables[0].name") to a
// dotted path ("tables.0.name").
func fieldPath(namespace string) string {
	_, path, _ := strings.Cut(namespace, ".")
	path = strings.ReplaceAll(path, "[", ".")
	return strings.ReplaceAll(path, "]", "")
}

// Validate checks field values with struct tags, then the references between
// objects: unique names, base chain attachments, rule syntax, and that sets
// and jump targets named by rules and elements exist in the same table.
func (rs *Ruleset) Validate() error {
	var errs ValidationErrors
	if err := validate.Struct(rs); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, e := range verrs {
			errs = append(errs, ValidationError{Path: fieldPath(e.Namespace()), Message: validationMessage(e)})
		}
		// Field errors make the checks below unreliable.
		return errs
	}

	type tableKey struct{ family, name string }
	tables := make(map[tableKey]bool)
	for i, t := range rs.Tables {
		path := fmt.Sprintf("tables.%d", i)
		key := tableKey{t.Family, t.Name}
		if tables[key] {
			errs = append(errs, ValidationError{Path: path + ".name", Message: fmt.Sprintf("duplicate table %s %s", t.Family, t.Name)})
		}
		tables[key] = true
		errs = append(errs, t.validate(path)...)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (t *Table) validate(path string) ValidationErrors {
	var errs ValidationErrors
	family, err := nftables.ParseAddressFamily(t.Family)
	if err != nil {
		return append(errs, ValidationError{Path: path + ".family", Message: err.Error()})
	}

	sets := make(map[string]*Set)
	for i, s := range t.Sets {
		spath := fmt.Sprintf("%s.sets.%d", path, i)
		if sets[s.Name] != nil {
			errs = append(errs, ValidationError{Path: spath + ".name", Message: fmt.Sprintf("duplicate set %s", s.Name)})
		}
		sets[s.Name] = s
		if s.Data == "value" && s.DataLen == 0 {
			errs = append(errs, ValidationError{Path: spath + ".data_len", Message: "value maps need a data length"})
		}
		if s.Data != "value" && s.DataLen != 0 {
			errs = append(errs, ValidationError{Path: spath + ".data_len", Message: "only value maps have a data length"})
		}
	}

	chains := make(map[string]bool)
	for i, c := range t.Chains {
		cpath := fmt.Sprintf("%s.chains.%d", path, i)
		if chains[c.Name] {
			errs = append(errs, ValidationError{Path: cpath + ".name", Message: fmt.Sprintf("duplicate chain %s", c.Name)})
		}
		chains[c.Name] = true
		if !c.IsBase() && (c.Priority != "" || c.Policy != "" || c.Device != "") {
			errs = append(errs, ValidationError{Path: cpath, Message: "priority, policy and device need a hook"})
		}
		if _, err := c.baseChainInfo(family); err != nil {
			errs = append(errs, ValidationError{Path: cpath, Message: err.Error()})
		}
	}

	for i, s := range t.Sets {
		spath := fmt.Sprintf("%s.sets.%d", path, i)
		elems, err := s.elems()
		if err != nil {
			errs = append(errs, ValidationError{Path: spath + ".elements", Message: err.Error()})
			continue
		}
		for j, e := range elems {
			if e.Verdict != nil && e.Verdict.Chain != "" && !chains[e.Verdict.Chain] {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s.elements.%d.verdict", spath, j), Message: fmt.Sprintf("unknown chain %s", e.Verdict.Chain)})
			}
		}
	}

	for i, c := range t.Chains {
		for j, text := range c.Rules {
			rpath := fmt.Sprintf("%s.chains.%d.rules.%d", path, i, j)
			specs, err := nftables.InterpretRule(text)
			if err != nil {
				errs = append(errs, ValidationError{Path: rpath, Message: err.Error()})
				continue
			}
			for _, spec := range specs {
				switch p := spec.Params.(type) {
				case nftables.LookupParams:
					if sets[p.Set] == nil {
						errs = append(errs, ValidationError{Path: rpath, Message: fmt.Sprintf("unknown set %s", p.Set)})
					}
				case nftables.ImmediateParams:
					if p.Verdict != nil && p.Verdict.Chain != "" && !chains[p.Verdict.Chain] {
						errs = append(errs, ValidationError{Path: rpath, Message: fmt.Sprintf("unknown chain %s", p.Verdict.Chain)})
					}
				}
			}
		}
	}
	return errs
}
