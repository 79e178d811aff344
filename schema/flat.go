package schema

import "fmt"

// CheckFlatObject enforces the restricted schema form used by elicitation:
// the root must be an object with at least one property, every property
// must be a primitive (string, number, integer, boolean), and composition
// or nesting keywords are forbidden.
func CheckFlatObject(s *Schema) error {
	if s == nil {
		return fmt.Errorf("schema is required")
	}
	if s.Type != typeObject {
		return fmt.Errorf("root type must be %q, got %q", typeObject, s.Type)
	}
	if len(s.Properties) == 0 {
		return fmt.Errorf("object must declare at least one property")
	}
	for name, prop := range s.Properties {
		if prop == nil {
			return fmt.Errorf("property %q: schema is required", name)
		}
		switch prop.Type {
		case typeString, typeNumber, typeInteger, typeBoolean:
		case typeObject, typeArray:
			return fmt.Errorf("property %q: nested %s schemas are not allowed", name, prop.Type)
		default:
			return fmt.Errorf("property %q: type must be string, number, integer, or boolean", name)
		}
		if prop.Properties != nil || prop.Items != nil {
			return fmt.Errorf("property %q: nested schemas are not allowed", name)
		}
	}
	return nil
}
