package render

import "fmt"

// CalcFunc computes a property from the object view of an item.
type CalcFunc func(obj map[string]any) any

// Calculated maps item type to calculated property name. The "*" entry applies
// to every type.
type Calculated map[string]map[string]CalcFunc

func DefaultCalculated() Calculated {
	return Calculated{
		"*": {
			"display_title": displayTitle,
		},
		"user": {
			"title": func(obj map[string]any) any {
				first, _ := obj["first_name"].(string)
				last, _ := obj["last_name"].(string)
				if first == "" && last == "" {
					return nil
				}
				return fmt.Sprintf("%s %s", first, last)
			},
		},
		"experiment": {
			"replicate_count": func(obj map[string]any) any {
				reps, _ := obj["replicates"].([]any)
				return len(reps)
			},
		},
	}
}

func displayTitle(obj map[string]any) any {
	for _, k := range []string{"title", "name", "accession", "email", "uuid"} {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	return nil
}

func (c Calculated) apply(itemType string, obj map[string]any) {
	for _, scope := range []string{itemType, "*"} {
		for name, fn := range c[scope] {
			if _, set := obj[name]; set && scope == "*" {
				continue
			}
			if v := fn(obj); v != nil {
				obj[name] = v
			}
		}
	}
}
