package admission

import (
	"context"
	"strings"
	"testing"

	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/store"
)

type fakeStore struct {
	inserted []*model.Job
}

func (f *fakeStore) Insert(ctx context.Context, j *model.Job) (int64, error) {
	j.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, j)
	return j.ID, nil
}
func (f *fakeStore) ClaimNext(ctx context.Context) (*model.Job, error) { return nil, nil }
func (f *fakeStore) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	return nil
}
func (f *fakeStore) Finish(ctx context.Context, id int64, status model.Status, kind model.ErrorKind, errMsg, outputPath string) error {
	return nil
}
func (f *fakeStore) Requeue(ctx context.Context, id int64, max int) (bool, error) { return false, nil }
func (f *fakeStore) Get(ctx context.Context, id int64) (*model.Job, error)        { return nil, nil }
func (f *fakeStore) List(ctx context.Context, status model.Status, limit, offset int) ([]*model.Job, error) {
	return nil, nil
}
func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error)  { return store.Stats{}, nil }
func (f *fakeStore) RecoverOrphans(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) ResetToPending(ctx context.Context, id int64, kind model.ErrorKind) error {
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, id int64) error { return nil }
func (f *fakeStore) Close() error                               { return nil }

func TestExtractHint(t *testing.T) {
	tests := []struct {
		body     string
		wantHint string
		wantOK   bool
	}{
		{"Some Movie (2020) rip complete", "Some Movie (2020)", true},
		{"Some Show S01E02 processing complete", "Some Show S01E02", true},
		{"Some Movie (2020) RIP COMPLETE", "Some Movie (2020)", true},
		{"rip complete", "", false},
		{"just a random notification", "", false},
		{"rip complete but then more text", "", false},
	}
	for _, tt := range tests {
		hint, ok := ExtractHint(tt.body)
		if ok != tt.wantOK || hint != tt.wantHint {
			t.Errorf("ExtractHint(%q) = (%q, %v), want (%q, %v)", tt.body, hint, ok, tt.wantHint, tt.wantOK)
		}
	}
}

func TestAdmitShapeAInsertsJob(t *testing.T) {
	st := &fakeStore{}
	a := New(st, "")
	body := strings.NewReader(`{"title":"notify","body":"Some Movie (2020) rip complete","type":"rip"}`)

	job, err := a.Admit(context.Background(), body, "")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if job.SourceHint != "Some Movie (2020)" {
		t.Fatalf("got hint %q", job.SourceHint)
	}

	if _, err := a.Insert(context.Background(), job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("got %d inserted jobs, want 1", len(st.inserted))
	}
}

func TestAdmitShapeANonCompletionIsDropped(t *testing.T) {
	a := New(&fakeStore{}, "")
	body := strings.NewReader(`{"title":"notify","body":"disk usage at 80%","type":"status"}`)

	_, err := a.Admit(context.Background(), body, "")
	if err != ErrDroppedNoOp {
		t.Fatalf("got %v, want ErrDroppedNoOp", err)
	}
}

func TestAdmitShapeBInsertsJob(t *testing.T) {
	st := &fakeStore{}
	a := New(st, "")
	body := strings.NewReader(`{"title":"Some Movie (2020)","path":"Some Movie (2020)","job_id":"abc123","status":"success"}`)

	job, err := a.Admit(context.Background(), body, "")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if job.SourceHint != "Some Movie (2020)" || job.CorrelationID != "abc123" {
		t.Fatalf("got %+v", job)
	}
}

func TestAdmitShapeBRejectsTraversalPath(t *testing.T) {
	a := New(&fakeStore{}, "")
	body := strings.NewReader(`{"title":"x","path":"../../etc/passwd"}`)

	_, err := a.Admit(context.Background(), body, "")
	aerr, ok := err.(*Error)
	if !ok || aerr.Kind != model.ErrorKindMalformed {
		t.Fatalf("got %v, want malformed error", err)
	}
}

func TestAdmitShapeBDropsUnrecognizedStatus(t *testing.T) {
	a := New(&fakeStore{}, "")
	body := strings.NewReader(`{"title":"x","path":"Some Movie (2020)","status":"retrying"}`)

	_, err := a.Admit(context.Background(), body, "")
	if err != ErrDroppedNoOp {
		t.Fatalf("got %v, want ErrDroppedNoOp", err)
	}
}

func TestAdmitEnforcesWebhookSecret(t *testing.T) {
	a := New(&fakeStore{}, "s3cr3t")
	body := strings.NewReader(`{"title":"x","path":"Some Movie (2020)"}`)

	_, err := a.Admit(context.Background(), body, "wrong")
	aerr, ok := err.(*Error)
	if !ok || aerr.Kind != model.ErrorKindUnauthorized {
		t.Fatalf("got %v, want unauthorized error", err)
	}
}

func TestAdmitRejectsOversizedBody(t *testing.T) {
	a := New(&fakeStore{}, "")
	huge := `{"title":"x","path":"` + strings.Repeat("a", MaxBodyBytes) + `"}`

	_, err := a.Admit(context.Background(), strings.NewReader(huge), "")
	aerr, ok := err.(*Error)
	if !ok || aerr.Kind != model.ErrorKindOversized {
		t.Fatalf("got %v, want oversized error", err)
	}
}

func TestAdmitRejectsMalformedJSON(t *testing.T) {
	a := New(&fakeStore{}, "")
	_, err := a.Admit(context.Background(), strings.NewReader(`not json`), "")
	aerr, ok := err.(*Error)
	if !ok || aerr.Kind != model.ErrorKindMalformed {
		t.Fatalf("got %v, want malformed error", err)
	}
}
