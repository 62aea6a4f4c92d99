// Package admission parses, validates, and persists incoming rip-complete
// notifications as PENDING jobs.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/store"
)

// MaxBodyBytes is the hard cap on a webhook request body, per spec.md §4.1.
const MaxBodyBytes = 10 * 1024

// maxPathLen bounds both the raw Shape B path field and a Shape A
// extracted hint, matching the validator tag on shapeB.Path.
const maxPathLen = 1000

// acceptedStatuses is the set of `status` values Shape B treats as a
// genuine completion notice.
var acceptedStatuses = map[string]bool{
	"success": true, "complete": true, "completed": true, "ok": true,
}

// Error is a structured admission failure carrying the stable taxonomy
// kind the HTTP layer maps to a status code.
type Error struct {
	Kind model.ErrorKind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind model.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// ErrDroppedNoOp signals a request that is well-formed but not a genuine
// completion notice (e.g. a broadcast status update); the caller should
// respond 2xx without creating a job.
var ErrDroppedNoOp = fmt.Errorf("admission: dropped as idempotent no-op")

var validate = validator.New()

// shapeA is the generic notification payload.
type shapeA struct {
	Title string `json:"title" validate:"required,max=500"`
	Body  string `json:"body" validate:"required,max=2000"`
	Type  string `json:"type"`
}

// shapeB is the structured notification payload.
type shapeB struct {
	Title  string `json:"title" validate:"required,max=500"`
	Path   string `json:"path" validate:"required,max=1000"`
	JobID  string `json:"job_id" validate:"omitempty,max=50"`
	Status string `json:"status"`
}

// ripCompletePatterns are the two Shape A completion phrasings, matched
// case-insensitively against body.
var ripCompletePatterns = []string{"rip complete", "processing complete"}

// ExtractHint pulls the source directory name out of a Shape A body by
// matching `^(.+)\s+rip complete` or `^(.+)\s+processing complete`,
// case-insensitively. Isolated as its own function per spec.md §9's
// design note on keeping the regex extraction in one place.
func ExtractHint(body string) (string, bool) {
	lower := strings.ToLower(body)
	for _, suffix := range ripCompletePatterns {
		idx := strings.LastIndex(lower, suffix)
		if idx <= 0 {
			continue
		}
		prefix := strings.TrimRightFunc(body[:idx], unicode.IsSpace)
		// the phrase must be preceded by whitespace and a non-empty name
		if prefix == "" || len(prefix) == idx {
			continue
		}
		return prefix, true
	}
	return "", false
}

// Admitter parses, validates, and persists notifications.
type Admitter struct {
	st     store.Store
	secret string
}

// New constructs an Admitter. secret may be empty, in which case the
// webhook secret check is skipped (spec.md §4.1).
func New(st store.Store, secret string) *Admitter {
	return &Admitter{st: st, secret: secret}
}

// Admit reads at most MaxBodyBytes+1 bytes from body, checks the webhook
// secret header, parses either payload shape, validates it, and returns a
// PENDING job ready for Insert; it does not persist anything itself.
// Returns ErrDroppedNoOp for a well-formed but non-completion broadcast
// event; the caller should answer 2xx without side effects.
func (a *Admitter) Admit(ctx context.Context, body io.Reader, secretHeader string) (*model.Job, error) {
	if a.secret != "" && secretHeader != a.secret {
		return nil, newError(model.ErrorKindUnauthorized, "webhook secret mismatch")
	}

	raw, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		return nil, newError(model.ErrorKindMalformed, "read body: %v", err)
	}
	if len(raw) > MaxBodyBytes {
		return nil, newError(model.ErrorKindOversized, "body exceeds %d bytes", MaxBodyBytes)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, newError(model.ErrorKindMalformed, "invalid JSON: %v", err)
	}

	if _, isShapeB := probe["path"]; isShapeB {
		return a.admitShapeB(raw)
	}
	return a.admitShapeA(raw)
}

func (a *Admitter) admitShapeA(raw []byte) (*model.Job, error) {
	var req shapeA
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, newError(model.ErrorKindMalformed, "invalid shape: %v", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, newError(model.ErrorKindMalformed, "validation: %v", err)
	}

	hint, ok := ExtractHint(req.Body)
	if !ok {
		return nil, ErrDroppedNoOp
	}
	if len(hint) > maxPathLen {
		return nil, newError(model.ErrorKindMalformed, "extracted hint exceeds %d bytes", maxPathLen)
	}

	job := &model.Job{Title: req.Title, SourceHint: hint, CorrelationID: uuid.NewString(), Status: model.StatusPending}
	return job, nil
}

func (a *Admitter) admitShapeB(raw []byte) (*model.Job, error) {
	var req shapeB
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, newError(model.ErrorKindMalformed, "invalid shape: %v", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, newError(model.ErrorKindMalformed, "validation: %v", err)
	}
	if err := checkPathShape(req.Path); err != nil {
		return nil, newError(model.ErrorKindMalformed, "path: %v", err)
	}

	if req.Status != "" && !acceptedStatuses[strings.ToLower(req.Status)] {
		return nil, ErrDroppedNoOp
	}

	correlationID := req.JobID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	job := &model.Job{Title: req.Title, SourceHint: req.Path, CorrelationID: correlationID, Status: model.StatusPending}
	return job, nil
}

// checkPathShape enforces spec.md §4.1's structural requirement on Shape
// B's path: no separators, no parent-dir segments, no null bytes. This is
// deliberately narrower than PathGuard's full containment algorithm,
// which runs once Worker actually resolves the path against RAW_PATH.
func checkPathShape(path string) error {
	if path == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.ContainsAny(path, "/\\") {
		return fmt.Errorf("must not contain a path separator")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("must not contain '..'")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("must not contain a null byte")
	}
	return nil
}

// Insert persists a parsed job and returns its assigned ID.
func (a *Admitter) Insert(ctx context.Context, job *model.Job) (int64, error) {
	return a.st.Insert(ctx, job)
}
