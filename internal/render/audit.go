package render

import (
	"sort"

	"github.com/yungbote/snovault-indexer/internal/docindex"
)

const (
	LevelError          = 60
	LevelNotCompliant   = 50
	LevelWarning        = 40
	LevelInternalAction = 30
)

var levelNames = map[int]string{
	LevelError:          "ERROR",
	LevelNotCompliant:   "NOT_COMPLIANT",
	LevelWarning:        "WARNING",
	LevelInternalAction: "INTERNAL_ACTION",
}

type AuditFunc func(path string, embedded map[string]any) []docindex.Audit

// Audits maps item type to checks; "*" applies to every type.
type Audits map[string][]AuditFunc

func DefaultAudits() Audits {
	return Audits{
		"*":          {auditDeletedReference},
		"experiment": {auditMissingDescription},
	}
}

// run groups findings by level name, ordered by path then category.
func (a Audits) run(itemType, path string, embedded map[string]any) map[string][]docindex.Audit {
	var found []docindex.Audit
	for _, scope := range []string{"*", itemType} {
		for _, fn := range a[scope] {
			found = append(found, fn(path, embedded)...)
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Path != found[j].Path {
			return found[i].Path < found[j].Path
		}
		return found[i].Category < found[j].Category
	})
	out := map[string][]docindex.Audit{}
	for _, f := range found {
		f.Name = levelNames[f.Level]
		out[f.Name] = append(out[f.Name], f)
	}
	return out
}

func auditDeletedReference(path string, embedded map[string]any) []docindex.Audit {
	if embedded["status"] != "released" {
		return nil
	}
	var out []docindex.Audit
	for key, v := range embedded {
		for _, sub := range asMaps(v) {
			if sub["status"] == "deleted" {
				id, _ := sub["@id"].(string)
				out = append(out, docindex.Audit{
					Category: "deleted reference",
					Detail:   "released item links to deleted " + key + " " + id,
					Level:    LevelWarning,
					Path:     path,
				})
			}
		}
	}
	return out
}

func auditMissingDescription(path string, embedded map[string]any) []docindex.Audit {
	if d, _ := embedded["description"].(string); d != "" {
		return nil
	}
	return []docindex.Audit{{
		Category: "missing description",
		Detail:   "experiment has no description",
		Level:    LevelInternalAction,
		Path:     path,
	}}
}

func asMaps(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
