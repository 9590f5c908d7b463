// Package vcd recovers the launch-to-trigger clock offset from the digital
// trace the sequence compiler emits alongside each compiled program. The
// offset feeds the time-of-flight axis for every acquired waveform.
package vcd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SignalNotFoundError reports a trace that never raises the named signal.
// Truncated or malformed traces surface this way; the pipeline treats it as
// a per-step failure, not a run-level fault.
type SignalNotFoundError struct {
	Signal string
}

func (e *SignalNotFoundError) Error() string {
	return fmt.Sprintf("signal %q: no rising edge in trace", e.Signal)
}

// highThresholdVolts separates logic high from low. TTL traces report
// scalar 0/1 (mapped to 0 V / 3.3 V); DAC traces report real voltages.
// Anything above 1.5 V counts as high for both.
const highThresholdVolts = 1.5

// Delay parses a VCD trace and returns, in seconds, the interval between the
// first rising edge of launch and the first rising edge of trigger at or
// after it. Signals may be named either by their declared identifier or by
// their VCD code.
func Delay(r io.Reader, launch, trigger string) (float64, error) {
	launch = cleanSignalName(launch)
	trigger = cleanSignalName(trigger)

	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 1024*1024)

	timescale := 1e-9 // VCD default when no $timescale directive is present
	codeByName := map[string]string{}
	codes := map[string]bool{}

	// Header: $timescale and $var declarations up to $enddefinitions.
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if strings.HasPrefix(line, "$enddefinitions") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "$timescale":
			timescale = parseTimescale(line)
		case "$var":
			// $var <type> <size> <code> <name> $end
			if len(fields) >= 5 {
				codeByName[fields[4]] = fields[3]
				codes[fields[3]] = true
			}
		}
	}

	codeLaunch, ok := resolveCode(launch, codeByName, codes)
	if !ok {
		return 0, &SignalNotFoundError{Signal: launch}
	}
	codeTrigger, ok := resolveCode(trigger, codeByName, codes)
	if !ok {
		return 0, &SignalNotFoundError{Signal: trigger}
	}

	var (
		now                  float64
		tLaunch, tTrigger    float64
		haveLaunch, haveTrig bool
		launchHigh, trigHigh bool
	)

	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		if line[0] == '#' {
			if v, err := strconv.ParseFloat(line[1:], 64); err == nil {
				now = v * timescale
			}
			continue
		}

		val, code, ok := splitValueChange(line, codeLaunch, codeTrigger)
		if !ok {
			continue
		}
		high := val > highThresholdVolts

		switch code {
		case codeLaunch:
			if high && !launchHigh && !haveLaunch {
				tLaunch = now
				haveLaunch = true
			}
			launchHigh = high
		case codeTrigger:
			if high && !trigHigh && !haveTrig && haveLaunch && now >= tLaunch {
				tTrigger = now
				haveTrig = true
			}
			trigHigh = high
		}
		if haveLaunch && haveTrig {
			break
		}
	}
	if err := scan.Err(); err != nil {
		return 0, fmt.Errorf("reading trace: %w", err)
	}

	if !haveLaunch {
		return 0, &SignalNotFoundError{Signal: launch}
	}
	if !haveTrig {
		return 0, &SignalNotFoundError{Signal: trigger}
	}
	return tTrigger - tLaunch, nil
}

// cleanSignalName strips the parenthesised channel notation some sequence
// templates use ("(68)" -> "68").
func cleanSignalName(s string) string {
	return strings.Trim(strings.TrimSpace(s), "()")
}

func parseTimescale(line string) float64 {
	switch {
	case strings.Contains(line, "ps"):
		return 1e-12
	case strings.Contains(line, "ns"):
		return 1e-9
	case strings.Contains(line, "us"):
		return 1e-6
	case strings.Contains(line, "ms"):
		return 1e-3
	default:
		return 1e-9
	}
}

// resolveCode maps a signal name to its VCD code, accepting a raw code too.
func resolveCode(name string, codeByName map[string]string, codes map[string]bool) (string, bool) {
	if code, ok := codeByName[name]; ok {
		return code, true
	}
	if codes[name] {
		return name, true
	}
	return "", false
}

// splitValueChange parses one value-change line into a voltage and code.
// Three shapes occur: scalar "1!" (value immediately followed by code),
// real "r3.3 !" and vector "b101 !".
func splitValueChange(line, codeA, codeB string) (float64, string, bool) {
	if before, after, found := strings.Cut(line, " "); found {
		after = strings.TrimSpace(after)
		if after != codeA && after != codeB {
			return 0, "", false
		}
		return parseValue(before), after, true
	}
	// Scalar form: the code is a suffix of unknown length, so match against
	// the two codes we care about.
	if strings.HasSuffix(line, codeA) && len(line) > len(codeA) {
		return parseValue(line[:len(line)-len(codeA)]), codeA, true
	}
	if strings.HasSuffix(line, codeB) && len(line) > len(codeB) {
		return parseValue(line[:len(line)-len(codeB)]), codeB, true
	}
	return 0, "", false
}

// parseValue converts a VCD value token to a voltage.
func parseValue(s string) float64 {
	switch {
	case s == "1":
		return 3.3
	case s == "0":
		return 0
	case strings.HasPrefix(s, "r"), strings.HasPrefix(s, "R"):
		v, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0
		}
		return v
	case strings.HasPrefix(s, "b"), strings.HasPrefix(s, "B"):
		v, err := strconv.ParseInt(s[1:], 2, 64)
		if err != nil {
			return 0
		}
		return float64(v)
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
}
