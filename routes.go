package liveresource

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// RouteResolver maps a conventional route name to a url. Route names follow
// `<resource>.index|show|store|update|destroy`, where the resource is one or
// more dot-delimited path segments ("org.users" lives under /org/users).
type RouteResolver interface {
	Resolve(routeName string, params map[string]any) (string, error)
}

// ConventionRouter resolves the RESTful convention against a base url:
//
//	posts.index   -> <base>/posts
//	posts.store   -> <base>/posts
//	posts.show    -> <base>/posts/{post}
//	posts.update  -> <base>/posts/{post}
//	posts.destroy -> <base>/posts/{post}
//
// The id parameter is the singular of the resource's last segment. Params
// not consumed by the path become the query string.
type ConventionRouter struct {
	baseUrl string
}

func NewConventionRouter(baseUrl string) *ConventionRouter {
	return &ConventionRouter{
		baseUrl: strings.TrimRight(baseUrl, "/"),
	}
}

func (self *ConventionRouter) Resolve(routeName string, params map[string]any) (string, error) {
	i := strings.LastIndex(routeName, ".")
	if i < 0 {
		return "", fmt.Errorf("route name must be <resource>.<action>: %s", routeName)
	}
	resource := routeName[:i]
	action := routeName[i+1:]
	if resource == "" {
		return "", fmt.Errorf("route name is missing the resource: %s", routeName)
	}

	segments := strings.Split(resource, ".")
	path := strings.Join(segments, "/")

	remaining := map[string]any{}
	for name, value := range params {
		remaining[name] = value
	}

	switch action {
	case "index", "store":
	case "show", "update", "destroy":
		idParam := Singularize(segments[len(segments)-1])
		idValue, ok := remaining[idParam]
		if !ok {
			return "", fmt.Errorf("route %s is missing the %s parameter", routeName, idParam)
		}
		delete(remaining, idParam)
		path = fmt.Sprintf("%s/%s", path, url.PathEscape(normalizeId(idValue)))
	default:
		return "", fmt.Errorf("unknown route action: %s", action)
	}

	resolved := fmt.Sprintf("%s/%s", self.baseUrl, path)
	if 0 < len(remaining) {
		values := url.Values{}
		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		// stable urls for logging and tests
		sort.Strings(names)
		for _, name := range names {
			values.Add(name, normalizeId(remaining[name]))
		}
		resolved = fmt.Sprintf("%s?%s", resolved, values.Encode())
	}
	return resolved, nil
}

// Singularize derives the conventional id parameter name from a plural
// resource segment. Not a full inflector, just the common english endings.
func Singularize(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && 3 < len(word):
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ses"),
		strings.HasSuffix(word, "xes"),
		strings.HasSuffix(word, "zes"),
		strings.HasSuffix(word, "ches"),
		strings.HasSuffix(word, "shes"):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss"):
		return word[:len(word)-1]
	default:
		return word
	}
}
