package sink

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	keys   []string
	bodies map[string]string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	f.bodies[key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveUploadsNightFiles(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakePutter{bodies: map[string]string{}}
	a := newArchive(fake, cfg)

	night := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	stem := DailyStem(night, cfg.DeviceID)
	if err := os.WriteFile(filepath.Join(cfg.DailyDataDirectory, stem+".dat"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := a.Send(ctx, Batch{Signal: Flush}); err != nil || len(fake.keys) != 0 {
		t.Fatalf("Flush must not upload (err=%v, keys=%v)", err, fake.keys)
	}
	// No graph on disk: only the data file goes up.
	if err := a.Send(ctx, Batch{Signal: EndOfNight, Night: night}); err != nil {
		t.Fatalf("EndOfNight: %v", err)
	}
	want := "raw/SQM-LE-VINJE/2024/20240901_120000_SQM-LE-VINJE.dat"
	if len(fake.keys) != 1 || fake.keys[0] != want {
		t.Fatalf("unexpected keys %v", fake.keys)
	}
	if fake.bodies[want] != "data" {
		t.Fatalf("unexpected body %q", fake.bodies[want])
	}
}
