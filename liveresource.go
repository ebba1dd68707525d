package liveresource

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/exp/maps"
)

// Attrs is the generic key/value shape of an entity, on either side of the
// transform pipeline. The binding only requires the "id" key to exist after
// inbound transformation. Ids can be strings or numbers on the wire.
type Attrs map[string]any

const idKey = "id"

type undefinedValue struct{}

// Undefined marks a field as unset in an outbound partial payload.
// Unset fields are stripped before transmission, unlike nil which is
// sent as a JSON null.
var Undefined = undefinedValue{}

// UpdateMethod controls when local state reflects a mutation relative to its
// network confirmation.
type UpdateMethod string

const (
	// apply the server response after the request succeeds
	UpdateMethodOnSuccess UpdateMethod = "on-success"
	// apply the payload synchronously, fire the request in the background
	UpdateMethodImmediate UpdateMethod = "immediate"
	// apply the payload synchronously, never send a request
	UpdateMethodLocalOnly UpdateMethod = "local-only"
)

const (
	eventKindCreated   = "created"
	eventKindUpdated   = "updated"
	eventKindDestroyed = "destroyed"
)

// SocketEventHeader carries an alternate event-channel base name on the
// fetch response. It overrides the channel base derived from the resource
// name until the next fetch.
const SocketEventHeader = "X-Socket-Event"

// normalizeId maps the possible wire encodings of an id to one comparable
// form. JSON numbers decode as float64, so an entity created locally with
// id 5 must match a destroyed event delivering 5 over the socket.
func normalizeId(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func attrsId(attrs Attrs) (string, bool) {
	v, ok := attrs[idKey]
	if !ok {
		return "", false
	}
	return normalizeId(v), true
}

// mergeAttrs is the default last-write-wins shallow merge.
// prev is not mutated.
func mergeAttrs(prev Attrs, incoming Attrs) Attrs {
	var next Attrs
	if prev == nil {
		next = Attrs{}
	} else {
		next = maps.Clone(prev)
	}
	for key, value := range incoming {
		next[key] = value
	}
	return next
}
