// Package capability executes catalog capabilities against the notes backend
// and, for modifying ones, records how to undo them.
package capability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/catalog"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
	"github.com/pentanotes/assist/internal/telemetry"
)

// Auth carries the caller's bearer token to the backend.
type Auth struct {
	Token string
}

// LedgerContext ties a call to its request record. A nil context means the
// call is not recorded.
type LedgerContext struct {
	RequestID string
	UserID    int64
}

// DegradationKind names a non-fatal failure.
type DegradationKind string

const (
	SnapshotCaptureFailed DegradationKind = "snapshot_capture_failed"
	LedgerWriteFailed     DegradationKind = "ledger_write_failed"
	InverseUnavailable    DegradationKind = "inverse_unavailable"
	LedgerUnavailable     DegradationKind = "ledger_unavailable"
)

// Degradation is a non-fatal failure surfaced alongside a result.
type Degradation struct {
	Kind       DegradationKind `json:"kind"`
	Capability string          `json:"capability,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// Result is the outcome of one capability call.
type Result struct {
	Capability string
	Output     map[string]any
	Modifying  bool
	Changed    string
	Degraded   []Degradation
}

// Recorder appends actions to a request record.
type Recorder interface {
	LogAction(ctx context.Context, requestID string, userID int64, action ledger.Action) error
}

type implementation struct {
	effect catalog.Effect
	entity catalog.Entity
	decode func(map[string]any) (Args, error)
}

var implementations = map[string]implementation{
	"get-notes":      {catalog.EffectRead, catalog.EntityNote, decoder[GetNotesArgs]},
	"get-note":       {catalog.EffectRead, catalog.EntityNote, decoder[GetNoteArgs]},
	"get-note-names": {catalog.EffectRead, catalog.EntityNote, decoder[GetNoteNamesArgs]},
	"get-folders":    {catalog.EffectRead, catalog.EntityFolder, decoder[GetFoldersArgs]},
	"get-tags":       {catalog.EffectRead, catalog.EntityTag, decoder[GetTagsArgs]},
	"create-note":    {catalog.EffectCreate, catalog.EntityNote, decoder[CreateNoteArgs]},
	"update-note":    {catalog.EffectUpdate, catalog.EntityNote, decoder[UpdateNoteArgs]},
	"delete-note":    {catalog.EffectDelete, catalog.EntityNote, decoder[DeleteNoteArgs]},
	"create-folder":  {catalog.EffectCreate, catalog.EntityFolder, decoder[CreateFolderArgs]},
	"update-folder":  {catalog.EffectUpdate, catalog.EntityFolder, decoder[UpdateFolderArgs]},
	"delete-folder":  {catalog.EffectDelete, catalog.EntityFolder, decoder[DeleteFolderArgs]},
}

// Executor runs capabilities.
type Executor struct {
	catalog  *catalog.Catalog
	client   *notes.Client
	recorder Recorder
	logger   *zap.Logger
}

// NewExecutor checks that every descriptor in cat has a matching
// implementation. recorder may be nil when nothing is ever recorded.
func NewExecutor(cat *catalog.Catalog, client *notes.Client, recorder Recorder, logger *zap.Logger) (*Executor, error) {
	for _, d := range cat.Descriptors() {
		im, ok := implementations[d.Name]
		if !ok {
			return nil, fmt.Errorf("capability %q has no implementation", d.Name)
		}
		if im.effect != d.Effect || im.entity != d.Entity {
			return nil, fmt.Errorf("capability %q declared as %s %s, implemented as %s %s",
				d.Name, d.Effect, d.Entity, im.effect, im.entity)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		catalog:  cat,
		client:   client,
		recorder: recorder,
		logger:   logger.Named("executor"),
	}, nil
}

// Catalog returns the executor's catalog.
func (e *Executor) Catalog() *catalog.Catalog {
	return e.catalog
}

// Decode validates raw arguments for name without running anything.
func (e *Executor) Decode(name string, raw map[string]any) (*catalog.Descriptor, Args, error) {
	d, ok := e.catalog.Lookup(name)
	if !ok {
		return nil, nil, errors.NewUnknownCapability(name)
	}
	for _, req := range d.Required {
		if v, present := raw[req]; !present || v == nil {
			return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("%s: missing required parameter %q", name, req))
		}
	}
	args, err := implementations[name].decode(raw)
	if err != nil {
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("%s: invalid arguments: %v", name, err))
	}
	if err := args.validate(); err != nil {
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("%s: %v", name, err))
	}
	return d, args, nil
}

// Execute runs one capability. Ledger and snapshot problems never fail the
// call; they come back as Degraded entries.
func (e *Executor) Execute(ctx context.Context, name string, raw map[string]any, auth Auth, lc *LedgerContext) (*Result, error) {
	d, args, err := e.Decode(name, raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(auth.Token) == "" {
		return nil, errors.NewUnauthorized("bearer token required")
	}

	res := &Result{Capability: name, Modifying: d.Modifying(), Changed: d.ChangedKind()}
	record := d.Modifying() && lc != nil && e.recorder != nil

	var before map[string]any
	if record && d.Effect == catalog.EffectUpdate {
		before, err = captureBefore(ctx, e.client, auth.Token, args)
		if err != nil {
			e.degrade(ctx, res, SnapshotCaptureFailed, err.Error())
		}
	}

	out, err := args.run(ctx, e.client, auth.Token)
	if err != nil {
		e.logger.Debug("capability failed", zap.String("capability", name), zap.Error(err))
		return nil, err
	}
	res.Output = out.AsMap()

	if !record {
		return res, nil
	}

	snaps, invs, reason := invert(args, before, out)
	if len(invs) == 0 {
		e.degrade(ctx, res, InverseUnavailable, reason)
	}
	action := ledger.Action{
		Capability: name,
		Args:       raw,
		Result:     res.Output,
		Snapshots:  snaps,
		Inverses:   invs,
	}
	if action.Snapshots == nil {
		action.Snapshots = []ledger.Snapshot{}
	}
	if action.Inverses == nil {
		action.Inverses = []ledger.Inverse{}
	}
	if err := e.recorder.LogAction(ctx, lc.RequestID, lc.UserID, action); err != nil {
		e.degrade(ctx, res, LedgerWriteFailed, err.Error())
	}
	return res, nil
}

func (e *Executor) degrade(ctx context.Context, res *Result, kind DegradationKind, detail string) {
	res.Degraded = append(res.Degraded, Degradation{Kind: kind, Capability: res.Capability, Detail: detail})
	e.logger.Warn("degraded",
		zap.String("kind", string(kind)),
		zap.String("capability", res.Capability),
		zap.String("detail", detail))
	telemetry.RecordDegraded(ctx, string(kind), res.Capability, detail)
}
