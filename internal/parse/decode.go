// Package parse decodes raw dispenser lines into typed alarm events and
// formats outbound hardware commands. Pure functions, no side effects.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pillnow-orchestrator/internal/model"
)

var (
	containerRe = regexp.MustCompile(`^C(\d)$`)
	hhmmRe      = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// DecodeLine parses one raw line from the dispenser. It returns the decoded
// event and true, or a zero event and false when the line is not a recognized
// notification. Serial-over-Bluetooth links produce truncated and stray
// lines routinely, so an unrecognized line is not an error.
func DecodeLine(raw string) (model.AlarmEvent, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return model.AlarmEvent{}, false
	}

	switch fields[0] {
	case "ALARM_TRIGGERED":
		return decodeTriggered(fields[1:])
	case "ALARM_STOPPED":
		return decodeStopped(fields[1:])
	}
	return model.AlarmEvent{}, false
}

// decodeTriggered handles "ALARM_TRIGGERED C2 14:30" and the bridged variant
// "ALARM_TRIGGERED C2 2025-12-14 14:30" where a date token precedes the time.
// The last token that parses as HH:MM wins.
func decodeTriggered(args []string) (model.AlarmEvent, bool) {
	if len(args) == 0 {
		return model.AlarmEvent{}, false
	}

	container, ok := parseContainer(args[0])
	if !ok {
		return model.AlarmEvent{}, false
	}

	hhmm := ""
	for _, tok := range args[1:] {
		if m := hhmmRe.FindStringSubmatch(tok); m != nil {
			hour, _ := strconv.Atoi(m[1])
			min, _ := strconv.Atoi(m[2])
			if hour > 23 || min > 59 {
				continue
			}
			hhmm = fmt.Sprintf("%02d:%02d", hour, min)
		}
	}
	if hhmm == "" {
		return model.AlarmEvent{}, false
	}

	return model.AlarmEvent{
		Type:      model.AlarmTriggered,
		Container: container,
		HHMM:      hhmm,
	}, true
}

// decodeStopped handles "ALARM_STOPPED C2" and the bare "ALARM_STOPPED" the
// hardware emits when it has lost track of the container. The bare form
// decodes with Container 0; the engine substitutes the last alerting
// container.
func decodeStopped(args []string) (model.AlarmEvent, bool) {
	ev := model.AlarmEvent{Type: model.AlarmStopped}
	if len(args) == 0 {
		return ev, true
	}
	container, ok := parseContainer(args[0])
	if !ok {
		// A stop line with a garbled container token is still a stop.
		return ev, true
	}
	ev.Container = container
	return ev, true
}

func parseContainer(tok string) (int, bool) {
	m := containerRe.FindStringSubmatch(tok)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > model.NumContainers {
		return 0, false
	}
	return n, true
}
