// Package schema provides JSON Schema generation from Go types and runtime
// validation of JSON values against the generated (or hand-built) schemas.
//
// # Basic Usage
//
// Generate a schema from a Go value:
//
//	type Person struct {
//	    Name string `json:"name" jsonschema:"required"`
//	    Age  int    `json:"age"`
//	}
//
//	s, err := schema.Generate(Person{})
//
// Or build one by hand with the constructors:
//
//	s := schema.Object(map[string]*schema.Schema{
//	    "name": schema.String("user name"),
//	    "age":  schema.Integer("age in years"),
//	}, "name")
//
// # Supported Types
//
// The generator supports the following Go types:
//
//   - Structs: Converted to JSON objects with properties
//   - Strings: Converted to JSON string type
//   - Integers (all sizes): Converted to JSON integer type
//   - Floats: Converted to JSON number type
//   - Booleans: Converted to JSON boolean type
//   - Slices/Arrays: Converted to JSON array type
//   - Maps: Converted to JSON object type
//   - Pointers: Dereferenced and converted based on element type
//
// # Struct Tags
//
// The package recognizes the following struct tags:
//
//	type Example struct {
//	    // json tag controls field name
//	    Name string `json:"name"`
//
//	    // jsonschema:"required" marks field as required
//	    Required string `json:"required" jsonschema:"required"`
//
//	    // jsonschema:"description=..." adds description
//	    Desc string `json:"desc" jsonschema:"description=Field description"`
//
//	    // numeric bounds (minLength=/maxLength= bound string length)
//	    Count int `json:"count" jsonschema:"minimum=1,maximum=10"`
//
//	    // json:"-" excludes field
//	    Ignored string `json:"-"`
//	}
//
// # Validation
//
// Schemas validate raw JSON or decoded values:
//
//	if err := s.Validate(rawArguments); err != nil {
//	    // err lists every violated constraint with its JSON path
//	}
//
// CheckFlatObject enforces the restricted form elicitation requires: a
// single-level object whose properties are all primitives.
package schema
