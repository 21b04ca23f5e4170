// Package plot turns data files into night graphs and summary statistics.
package plot

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vesaa/opensqm/internal/models"
)

// ErrNoData is returned when a data file holds no records.
var ErrNoData = errors.New("no records")

// ReadDataFile parses the rows of a data file, skipping the '#' header and
// blank lines. loc is the zone of the local time column.
func ReadDataFile(path string, loc *time.Location) ([]models.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []models.Record
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := models.ParseLine(line, loc)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}
