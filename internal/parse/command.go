package parse

import "fmt"

// Outbound command verbs understood by the dispenser sketch.
const (
	CmdSchedClear = "SCHED CLEAR"
	CmdLocate     = "LOCATE"
	CmdStopLocate = "STOP_LOCATE"
)

// SchedAdd formats one onboard-alarm programming command.
func SchedAdd(hhmm string, container int) string {
	return fmt.Sprintf("SCHED ADD %s %d", hhmm, container)
}
