package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
)

// maxRetained caps the records kept for re-sending while the datacenter is
// unreachable; the oldest batches are dropped first.
const maxRetained = 20000

// Datacenter uploads records to an opensqm datacenter. Batches that fail are
// retained with their batch id and re-sent on the next Records or Flush
// batch, so the datacenter can discard duplicates.
type Datacenter struct {
	base     string
	token    string
	client   *http.Client
	register models.RegisterPayload
	logger   *log.Logger

	registered bool
	pending    []models.RecordBatch
	retained   int
}

// NewDatacenter creates the uploader; reg identifies this station.
func NewDatacenter(cfg *config.Config, reg models.RegisterPayload, client *http.Client, logger *log.Logger) *Datacenter {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[sink:datacenter] ", log.LstdFlags)
	}
	return &Datacenter{
		base:     strings.TrimRight(cfg.DatacenterURL, "/"),
		token:    cfg.DatacenterToken,
		client:   client,
		register: reg,
		logger:   logger,
	}
}

func (d *Datacenter) Name() string { return "datacenter" }

// Pending returns the number of records waiting to be re-sent.
func (d *Datacenter) Pending() int { return d.retained }

func (d *Datacenter) Send(ctx context.Context, b Batch) error {
	switch b.Signal {
	case SignalNewFile:
		if err := d.ensureRegistered(ctx); err != nil {
			return err
		}
		return d.postJSON(ctx, "/api/nights", models.NightPayload{DeviceID: d.register.DeviceID, Night: b.Night})
	case Records:
		if len(b.Records) > 0 {
			d.enqueue(models.RecordBatch{
				BatchID:  uuid.NewString(),
				DeviceID: d.register.DeviceID,
				Records:  append([]models.Record(nil), b.Records...),
			})
		}
		return d.drain(ctx)
	case Flush:
		return d.drain(ctx)
	}
	return nil
}

func (d *Datacenter) enqueue(batch models.RecordBatch) {
	d.pending = append(d.pending, batch)
	d.retained += len(batch.Records)
	for d.retained > maxRetained && len(d.pending) > 1 {
		dropped := d.pending[0]
		d.pending = d.pending[1:]
		d.retained -= len(dropped.Records)
		d.logger.Printf("buffer full, dropped batch %s (%d records)", dropped.BatchID, len(dropped.Records))
	}
}

// drain sends retained batches in order and stops at the first failure.
func (d *Datacenter) drain(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	if err := d.ensureRegistered(ctx); err != nil {
		return err
	}
	for len(d.pending) > 0 {
		batch := d.pending[0]
		if err := d.postJSON(ctx, "/api/records", batch); err != nil {
			return fmt.Errorf("%d records retained: %w", d.retained, err)
		}
		d.pending = d.pending[1:]
		d.retained -= len(batch.Records)
	}
	return nil
}

func (d *Datacenter) ensureRegistered(ctx context.Context) error {
	if d.registered {
		return nil
	}
	if err := d.postJSON(ctx, "/api/stations/register", d.register); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	d.registered = true
	d.logger.Printf("registered %s with %s", d.register.DeviceID, d.base)
	return nil
}

// postJSON sends v as JSON with the Bearer token in the Authorization header.
func (d *Datacenter) postJSON(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("datacenter rejected token (401), check _datacenter_token")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return nil
}
