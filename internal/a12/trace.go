package a12

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/calder-io/frameserv/internal/logger"
)

// Trace groups. The bitmap selects which subsystems log their inner workings.
const (
	TraceTransfer uint32 = 1 << iota
	TraceDebug
	TraceMissing
	TraceAlloc
	TraceShmif
	TraceEvent
	TraceTransport
	TraceSecurity
	TraceDirectory
)

var traceNames = map[string]uint32{
	"transfer":  TraceTransfer,
	"debug":     TraceDebug,
	"missing":   TraceMissing,
	"alloc":     TraceAlloc,
	"shmif":     TraceShmif,
	"event":     TraceEvent,
	"transport": TraceTransport,
	"security":  TraceSecurity,
	"directory": TraceDirectory,
}

// ParseTrace turns a trace spec into a bitmap: either a plain decimal value
// or a comma-separated list of group names.
func ParseTrace(spec string) (uint32, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	if v, err := strconv.ParseUint(spec, 10, 32); err == nil {
		return uint32(v), nil
	}
	var bits uint32
	for _, name := range strings.Split(spec, ",") {
		bit, ok := traceNames[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("unknown trace group %q", name)
		}
		bits |= bit
	}
	return bits, nil
}

// TraceGroups lists the known group names, for usage text.
func TraceGroups() []string {
	return []string{"transfer", "debug", "missing", "alloc", "shmif",
		"event", "transport", "security", "directory"}
}

func (c *Conn) tracef(bit uint32, msg string, args ...any) {
	if c.trace&bit != 0 {
		logger.Debug("a12: "+msg, args...)
	}
}
