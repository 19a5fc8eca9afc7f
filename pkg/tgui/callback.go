package tgui

import (
	"strconv"
	"strings"
)

// Data formats inline callback data as "ns:action:payload".
// Payload is kept as-is (no escaping).
func Data(ns, action, payload string) string {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	if payload == "" {
		return ns + ":" + action
	}
	return ns + ":" + action + ":" + payload
}

// DataID is Data with a numeric payload.
func DataID(ns, action string, id int64) string {
	return Data(ns, action, strconv.FormatInt(id, 10))
}

// Split parses "ns:action:payload" callback data. The payload may itself
// contain colons; only the first two separators are structural.
func Split(data string) (ns, action, payload string) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], parts[1], ""
	case 1:
		return parts[0], "", ""
	}
	return "", "", ""
}

// PayloadID parses a numeric payload.
func PayloadID(payload string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	return id, err == nil
}
