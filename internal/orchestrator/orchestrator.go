// Package orchestrator is the thin coordination layer between the API
// surface and the engine components. Every operation is a tagged request
// kind routed through one dispatcher; the orchestrator scopes, validates,
// dispatches, and translates component errors into the stable taxonomy.
// It implements no analytics logic of its own.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Kind tags a request with the operation it targets.
type Kind string

// Request kinds.
const (
	KindCreateFunnel  Kind = "create_funnel"
	KindListFunnels   Kind = "list_funnels"
	KindGetFunnel     Kind = "get_funnel"
	KindUpdateFunnel  Kind = "update_funnel"
	KindArchiveFunnel Kind = "archive_funnel"
	KindPublish       Kind = "publish"

	KindConversion   Kind = "conversion"
	KindDropOff      Kind = "dropoff"
	KindCohorts      Kind = "cohorts"
	KindTiming       Kind = "timing"
	KindBottlenecks  Kind = "bottlenecks"
	KindLive         Kind = "live"
	KindUserProgress Kind = "user_progress"
	KindPaths        Kind = "paths"
	KindAttribution  Kind = "attribution"
	KindCompare      Kind = "compare"

	KindExport       Kind = "export"
	KindExportStatus Kind = "export_status"
)

// ErrUnknownKind is returned for a kind with no registered handler.
var ErrUnknownKind = &Error{Code: CodeInvalidSchema, Cause: errUnknownKind}

var errUnknownKind = fmt.Errorf("unknown request kind")

type (
	// Request is one tagged operation. Payload carries the kind-specific
	// parameters; handlers reject mismatched payload types as
	// invalid_schema.
	Request struct {
		Kind    Kind
		Scope   funnel.Scope
		Payload any
	}

	// Payloads for funnel management kinds. Analytics kinds reuse the
	// engine request types with the Scope field populated by the
	// dispatcher.
	CreateFunnelPayload struct {
		Definition *funnel.Definition
	}

	ListFunnelsPayload struct {
		Filter funnel.ListFilter
	}

	GetFunnelPayload struct {
		FunnelID int64
	}

	UpdateFunnelPayload struct {
		FunnelID int64
		Patch    *funnel.UpdatePatch
	}

	ArchiveFunnelPayload struct {
		FunnelID int64
	}

	PublishPayload struct {
		FunnelID   int64
		Version    int
		WindowDays int
		Notes      string
	}

	ExportPayload struct {
		FunnelID int64
		Request  *export.Request
	}

	ExportStatusPayload struct {
		ExportID int64
	}

	// ExportCreated is the enqueue response.
	ExportCreated struct {
		Job      *export.Job      `json:"job"`
		Estimate *export.Estimate `json:"metadata"`
	}

	handler func(ctx context.Context, req *Request) (any, error)
)

// Orchestrator routes tagged requests to the engine components.
type Orchestrator struct {
	funnels  funnel.Store
	engine   *analytics.Engine
	exports  *export.Manager
	logger   *slog.Logger
	handlers map[Kind]handler
}

// New creates an orchestrator over the funnel store, analytics engine, and
// export manager.
func New(funnels funnel.Store, engine *analytics.Engine, exports *export.Manager, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		funnels: funnels,
		engine:  engine,
		exports: exports,
		logger:  logger,
	}

	o.handlers = map[Kind]handler{
		KindCreateFunnel:  o.createFunnel,
		KindListFunnels:   o.listFunnels,
		KindGetFunnel:     o.getFunnel,
		KindUpdateFunnel:  o.updateFunnel,
		KindArchiveFunnel: o.archiveFunnel,
		KindPublish:       o.publish,
		KindConversion:    o.conversion,
		KindDropOff:       o.dropOff,
		KindCohorts:       o.cohorts,
		KindTiming:        o.timing,
		KindBottlenecks:   o.bottlenecks,
		KindLive:          o.live,
		KindUserProgress:  o.userProgress,
		KindPaths:         o.paths,
		KindAttribution:   o.attribution,
		KindCompare:       o.compare,
		KindExport:        o.createExport,
		KindExportStatus:  o.exportStatus,
	}

	return o
}

// Dispatch routes one tagged request. Every error leaving Dispatch carries
// a taxonomy code.
func (o *Orchestrator) Dispatch(ctx context.Context, req *Request) (any, error) {
	h, ok := o.handlers[req.Kind]
	if !ok {
		return nil, ErrUnknownKind
	}

	if err := req.Scope.Validate(); err != nil {
		return nil, wrap(err)
	}

	out, err := h(ctx, req)
	if err != nil {
		// Deadline expiry during a handler surfaces as timeout even when a
		// component wrapped it in its own failure.
		if ctx.Err() != nil {
			err = ctx.Err()
		}

		wrapped := wrap(err)

		var classified *Error
		if wErr, ok := wrapped.(*Error); ok {
			classified = wErr
		}

		if classified != nil && classified.Code == CodeInternalError {
			o.logger.ErrorContext(ctx, "Request failed",
				slog.String("kind", string(req.Kind)),
				slog.Int64("tenant_id", req.Scope.TenantID),
				slog.Int64("workspace_id", req.Scope.WorkspaceID),
				slog.String("error", err.Error()),
			)
		}

		return nil, wrapped
	}

	return out, nil
}

func payloadAs[T any](req *Request) (T, error) {
	p, ok := req.Payload.(T)
	if !ok {
		var zero T

		return zero, &Error{
			Code:  CodeInvalidSchema,
			Cause: fmt.Errorf("%s: payload must be %T", req.Kind, zero),
		}
	}

	return p, nil
}

func (o *Orchestrator) createFunnel(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*CreateFunnelPayload](req)
	if err != nil {
		return nil, err
	}

	return o.funnels.Create(ctx, req.Scope, p.Definition)
}

func (o *Orchestrator) listFunnels(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*ListFunnelsPayload](req)
	if err != nil {
		return nil, err
	}

	return o.funnels.List(ctx, req.Scope, p.Filter)
}

func (o *Orchestrator) getFunnel(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*GetFunnelPayload](req)
	if err != nil {
		return nil, err
	}

	return o.funnels.Get(ctx, req.Scope, p.FunnelID)
}

func (o *Orchestrator) updateFunnel(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*UpdateFunnelPayload](req)
	if err != nil {
		return nil, err
	}

	f, err := o.funnels.Update(ctx, req.Scope, p.FunnelID, p.Patch)
	if err != nil {
		return nil, err
	}

	o.invalidate(req.Scope, p.FunnelID)

	return f, nil
}

func (o *Orchestrator) archiveFunnel(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*ArchiveFunnelPayload](req)
	if err != nil {
		return nil, err
	}

	f, err := o.funnels.Archive(ctx, req.Scope, p.FunnelID)
	if err != nil {
		return nil, err
	}

	o.invalidate(req.Scope, p.FunnelID)

	return f, nil
}

func (o *Orchestrator) publish(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*PublishPayload](req)
	if err != nil {
		return nil, err
	}

	pub, err := o.funnels.Publish(ctx, req.Scope, p.FunnelID, p.Version, p.WindowDays, p.Notes)
	if err != nil {
		return nil, err
	}

	o.invalidate(req.Scope, p.FunnelID)

	return pub, nil
}

// invalidate drops cached analyses after a definition change.
func (o *Orchestrator) invalidate(scope funnel.Scope, funnelID int64) {
	if o.engine != nil {
		o.engine.InvalidateFunnel(scope, funnelID)
	}
}

func (o *Orchestrator) conversion(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.ConversionRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Conversion(ctx, p)
}

func (o *Orchestrator) dropOff(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.DropOffRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.DropOff(ctx, p)
}

func (o *Orchestrator) cohorts(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.CohortRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Cohorts(ctx, p)
}

func (o *Orchestrator) timing(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.TimingRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Timing(ctx, p)
}

func (o *Orchestrator) bottlenecks(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.BottleneckRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Bottlenecks(ctx, p)
}

func (o *Orchestrator) live(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.LiveRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Live(ctx, p)
}

func (o *Orchestrator) userProgress(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.UserProgressRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Progress(ctx, p)
}

func (o *Orchestrator) paths(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.PathRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Paths(ctx, p)
}

func (o *Orchestrator) attribution(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.AttributionRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Attribution(ctx, p)
}

func (o *Orchestrator) compare(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*analytics.CompareRequest](req)
	if err != nil {
		return nil, err
	}

	p.Scope = req.Scope

	return o.engine.Compare(ctx, p)
}

func (o *Orchestrator) createExport(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*ExportPayload](req)
	if err != nil {
		return nil, err
	}

	job, est, err := o.exports.CreateExport(ctx, req.Scope, p.FunnelID, p.Request)
	if err != nil {
		return nil, err
	}

	return &ExportCreated{Job: job, Estimate: est}, nil
}

func (o *Orchestrator) exportStatus(ctx context.Context, req *Request) (any, error) {
	p, err := payloadAs[*ExportStatusPayload](req)
	if err != nil {
		return nil, err
	}

	return o.exports.Status(ctx, req.Scope, p.ExportID)
}
