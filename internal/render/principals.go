package render

import "sort"

const (
	Everyone   = "system.Everyone"
	GroupAdmin = "group.admin"
	Submitter  = "group.submitter"
)

// principalsAllowed derives the view/edit/audit ACL summary from status.
func principalsAllowed(props map[string]any) map[string][]string {
	status, _ := props["status"].(string)
	var view []string
	switch status {
	case "released", "current", "public", "archived":
		view = []string{Everyone}
	case "deleted", "replaced", "revoked", "disabled":
		view = []string{GroupAdmin}
	default:
		view = []string{GroupAdmin, Submitter}
		if lab, ok := props["lab"].(string); ok && lab != "" {
			view = append(view, "submits_for."+lab)
		}
	}
	sort.Strings(view)
	return map[string][]string{
		"view":  view,
		"edit":  {GroupAdmin},
		"audit": view,
	}
}
