package report

import (
	"strconv"
	"strings"

	"github.com/profiletools/perfreport/internal/perffile"
)

// eventType is one entry of the recorder's event_type_info meta info:
// the event name plus the (perf type, config) pair identifying it.
type eventType struct {
	name   string
	typ    uint32
	config uint64
}

// parseEventTypeInfo decodes "name,type,config" lines.
func parseEventTypeInfo(s string) []eventType {
	var types []eventType
	for line := range strings.Lines(s) {
		line = strings.TrimSuffix(line, "\n")
		items := strings.Split(line, ",")
		if len(items) != 3 {
			continue
		}
		typ, err1 := strconv.ParseUint(items[1], 10, 32)
		config, err2 := strconv.ParseUint(items[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		types = append(types, eventType{name: items[0], typ: uint32(typ), config: config})
	}
	return types
}

func eventNameForAttr(types []eventType, attr perffile.EventAttr) string {
	for _, t := range types {
		if t.typ == attr.Type && t.config == attr.Config {
			return t.name
		}
	}
	return "unknown"
}
