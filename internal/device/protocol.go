package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by SQM-LE and SQM-LU units.
const (
	cmdReading  = "rx"
	cmdIdentity = "ix"
)

// Sample is the parsed body of an "rx" response:
//
//	r, 06.70m,0000022921Hz,0000000020c,0000000.000s, 039.4C
type Sample struct {
	Brightness  float64 // mag/arcsec²
	Frequency   float64 // Hz
	Counts      float64
	Period      float64 // s
	Temperature float64 // °C
}

// Identity is the parsed body of an "ix" response:
//
//	i,00000002,00000003,00000001,00000413
type Identity struct {
	Protocol int
	Model    int
	Feature  int
	Serial   int
}

// ParseSample decodes one "rx" response line.
func ParseSample(line string) (Sample, error) {
	fields := splitResponse(line)
	if len(fields) != 6 || fields[0] != "r" {
		return Sample{}, fmt.Errorf("%w: unexpected reading %q", ErrProtocol, line)
	}

	var s Sample
	units := []struct {
		dst    *float64
		suffix string
	}{
		{&s.Brightness, "m"},
		{&s.Frequency, "Hz"},
		{&s.Counts, "c"},
		{&s.Period, "s"},
		{&s.Temperature, "C"},
	}
	for i, u := range units {
		raw := fields[i+1]
		if !strings.HasSuffix(raw, u.suffix) {
			return Sample{}, fmt.Errorf("%w: field %d %q lacks unit %q", ErrProtocol, i+1, raw, u.suffix)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(raw, u.suffix)), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: field %d %q: %v", ErrProtocol, i+1, raw, err)
		}
		*u.dst = v
	}
	return s, nil
}

// ParseIdentity decodes one "ix" response line.
func ParseIdentity(line string) (Identity, error) {
	fields := splitResponse(line)
	if len(fields) != 5 || fields[0] != "i" {
		return Identity{}, fmt.Errorf("%w: unexpected identity %q", ErrProtocol, line)
	}

	var id Identity
	for i, dst := range []*int{&id.Protocol, &id.Model, &id.Feature, &id.Serial} {
		v, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return Identity{}, fmt.Errorf("%w: field %d %q: %v", ErrProtocol, i+1, fields[i+1], err)
		}
		*dst = v
	}
	return id, nil
}

func splitResponse(line string) []string {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
