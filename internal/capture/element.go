package capture

import "strings"

// Element is a live handle on a page element. It exists only while a signal
// is being normalized; emitted events carry ElementPath instead.
type Element struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id,omitempty"`
	Classes    []string          `json:"classes,omitempty"`
	Name       string            `json:"name,omitempty"`
	InputType  string            `json:"type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      string            `json:"value,omitempty"`
	Parent     *Element          `json:"parent,omitempty"`
}

// ElementPath returns the identifiers from the outermost ancestor below body
// down to el. Each identifier is the lower-cased tag followed by "#id", or by
// the dot-joined class list when there is no id.
func ElementPath(el *Element) []string {
	if el == nil {
		return []string{}
	}

	var reversed []string
	for current := el; current != nil; current = current.Parent {
		tag := strings.ToLower(current.Tag)
		if tag == "body" {
			break
		}
		if tag == "" {
			continue
		}

		identifier := tag
		if current.ID != "" {
			identifier += "#" + current.ID
		} else if classes := strings.Join(nonEmpty(current.Classes), "."); classes != "" {
			identifier += "." + classes
		}
		reversed = append(reversed, identifier)
	}

	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var sensitiveTerms = []string{"password", "credit", "card", "cvv", "ssn", "social", "secret"}

// IsSensitive reports whether the value typed into el must never be captured:
// password fields, elements marked data-sensitive="true", data-fs-exclude or
// class fs-exclude, and elements whose name or id mentions a sensitive term.
func IsSensitive(el *Element) bool {
	if el == nil {
		return false
	}

	if strings.EqualFold(el.Tag, "input") && strings.EqualFold(el.InputType, "password") {
		return true
	}
	if el.Attributes["data-sensitive"] == "true" {
		return true
	}
	if _, ok := el.Attributes["data-fs-exclude"]; ok {
		return true
	}
	for _, class := range el.Classes {
		if class == "fs-exclude" {
			return true
		}
	}

	name := strings.ToLower(el.Name)
	id := strings.ToLower(el.ID)
	for _, term := range sensitiveTerms {
		if strings.Contains(name, term) || strings.Contains(id, term) {
			return true
		}
	}
	return false
}
