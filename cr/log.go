package cr

import (
	"fmt"
	"slices"
)

// EnableLog switches trap logging on or off. It has no effect in builds
// without instrumentation.
func (h *Handler) EnableLog(enabled bool) {
	h.logEnabled = enabled
}

// Log returns the trap records of reg in the order they were taken.
func (h *Handler) Log(reg Register) []Record {
	return slices.Clone(h.logs[reg])
}

// DumpLog writes every register's trap log, oldest first. Registers with no
// recorded trap are skipped.
func (h *Handler) DumpLog() {
	for _, reg := range registers {
		records := h.logs[reg]
		if len(records) == 0 {
			continue
		}

		h.logger.Info("control register log", "reg", reg.String(), "traps", len(records))

		for i, r := range records {
			h.logger.Info("control register record",
				"reg", reg.String(),
				"index", i,
				"val", fmt.Sprintf("%#x", r.Val),
				"shadow", fmt.Sprintf("%#x", r.Shadow))
		}
	}
}
