package daq

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// parseDat reads the board's .dat trace format: an optional first line
// holding the trigger time as an epoch float, then one sample per line.
// Each sample line is either "voltage" or "time[, ]voltage"; unparseable
// lines are skipped. Both comma and whitespace separators occur in the
// wild, depending on board firmware.
func parseDat(r io.Reader, fallback time.Time) (time.Time, []float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	trigger := fallback
	var voltages []float64
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if ts, err := strconv.ParseFloat(line, 64); err == nil && !strings.ContainsAny(line, ", \t") {
				sec := int64(ts)
				nsec := int64((ts - float64(sec)) * 1e9)
				trigger = time.Unix(sec, nsec)
				continue
			}
		}
		if v, ok := parseSampleLine(line); ok {
			voltages = append(voltages, v)
		}
	}
	if err := sc.Err(); err != nil {
		return trigger, voltages, err
	}
	return trigger, voltages, nil
}

func parseSampleLine(line string) (float64, bool) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	switch {
	case len(fields) >= 2:
		v, err := strconv.ParseFloat(fields[1], 64)
		return v, err == nil
	case len(fields) == 1:
		v, err := strconv.ParseFloat(fields[0], 64)
		return v, err == nil
	}
	return 0, false
}
