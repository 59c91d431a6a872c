package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/api/middleware"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/funnel"
	"github.com/funneld-io/funneld/internal/orchestrator"
)

// requestScope resolves the caller's tenant and workspace identity. With
// authentication enabled the scope comes from the authenticated API key;
// with it disabled the X-Tenant-ID and X-Workspace-ID headers are trusted
// for local development. A zero scope is refused downstream.
func (s *Server) requestScope(r *http.Request) funnel.Scope {
	if caller := middleware.GetCaller(r.Context()); caller != nil {
		return caller.Scope
	}

	if !s.config.AuthEnabled {
		tenantID, _ := strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
		workspaceID, _ := strconv.ParseInt(r.Header.Get("X-Workspace-ID"), 10, 64)

		return funnel.Scope{TenantID: tenantID, WorkspaceID: workspaceID}
	}

	return funnel.Scope{}
}

// dispatch routes one operation through the orchestrator and renders the
// result or the classified error envelope.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, kind orchestrator.Kind, payload any, status int) {
	out, err := s.orch.Dispatch(r.Context(), &orchestrator.Request{
		Kind:    kind,
		Scope:   s.requestScope(r),
		Payload: payload,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, status, out)
}

// decodeBody decodes a JSON request body into dst, bounded by the
// configured max request size. An empty body leaves dst zero. Returns false
// after writing the error response.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeErrorBody(w, r, http.StatusRequestEntityTooLarge, ErrorBody{
			Code:    string(orchestrator.CodePayloadTooLarge),
			Message: fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit),
			Details: map[string]any{"correlation_id": middleware.GetCorrelationID(r.Context())},
		})

		return false
	}

	s.writeInvalid(w, r, "request body is not valid JSON: "+err.Error())

	return false
}

// funnelIDFromPath parses the {id} path segment. Returns false after
// writing the error response.
func (s *Server) funnelIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := funnel.ParseFunnelID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)

		return 0, false
	}

	return id, true
}

// windowFromQuery parses start_date/end_date query parameters. Returns
// false after writing the error response.
func (s *Server) windowFromQuery(w http.ResponseWriter, r *http.Request) (analytics.TimeWindow, bool) {
	window, err := parseWindow(r.URL.Query().Get("start_date"), r.URL.Query().Get("end_date"))
	if err != nil {
		s.writeInvalid(w, r, err.Error())

		return analytics.TimeWindow{}, false
	}

	return window, true
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))

	return err == nil && v
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}

	return fallback
}

func queryFloat(r *http.Request, name string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(r.URL.Query().Get(name), 64); err == nil {
		return v
	}

	return fallback
}

func (s *Server) handleCreateFunnel(w http.ResponseWriter, r *http.Request) {
	var def funnel.Definition
	if !s.decodeBody(w, r, &def) {
		return
	}

	s.dispatch(w, r, orchestrator.KindCreateFunnel, &orchestrator.CreateFunnelPayload{Definition: &def}, http.StatusCreated)
}

func (s *Server) handleListFunnels(w http.ResponseWriter, r *http.Request) {
	filter := funnel.ListFilter{
		Page:            queryInt(r, "page", 0),
		Limit:           queryInt(r, "limit", 0),
		Search:          r.URL.Query().Get("search"),
		State:           funnel.VersionState(r.URL.Query().Get("state")),
		IncludeArchived: queryBool(r, "include_archived"),
	}

	s.dispatch(w, r, orchestrator.KindListFunnels, &orchestrator.ListFunnelsPayload{Filter: filter}, http.StatusOK)
}

func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindGetFunnel, &orchestrator.GetFunnelPayload{FunnelID: id}, http.StatusOK)
}

func (s *Server) handleUpdateFunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	var patch funnel.UpdatePatch
	if !s.decodeBody(w, r, &patch) {
		return
	}

	s.dispatch(w, r, orchestrator.KindUpdateFunnel, &orchestrator.UpdateFunnelPayload{FunnelID: id, Patch: &patch}, http.StatusOK)
}

func (s *Server) handleArchiveFunnel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindArchiveFunnel, &orchestrator.ArchiveFunnelPayload{FunnelID: id}, http.StatusOK)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	var body publishRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil {
			s.writeInvalid(w, r, fmt.Sprintf("invalid version %q", raw))

			return
		}

		body.Version = version
	}

	if body.Version < 1 {
		s.writeInvalid(w, r, "version is required")

		return
	}

	if body.WindowDays == 0 {
		body.WindowDays = defaultWindowDays
	}

	s.dispatch(w, r, orchestrator.KindPublish, &orchestrator.PublishPayload{
		FunnelID:   id,
		Version:    body.Version,
		WindowDays: body.WindowDays,
		Notes:      body.Notes,
	}, http.StatusOK)
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindConversion, &analytics.ConversionRequest{
		FunnelID:          id,
		Window:            window,
		IncludeSegments:   queryBool(r, "include_segments"),
		IncludeTimeSeries: queryBool(r, "include_time_series"),
		Granularity:       analytics.Granularity(r.URL.Query().Get("granularity")),
	}, http.StatusOK)
}

func (s *Server) handleDropOff(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindDropOff, &analytics.DropOffRequest{
		FunnelID:               id,
		Window:                 window,
		IncludeExitPaths:       queryBool(r, "include_exit_paths"),
		IncludeRecommendations: queryBool(r, "include_recommendations"),
	}, http.StatusOK)
}

func (s *Server) handleCohorts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindCohorts, &analytics.CohortRequest{
		FunnelID:        id,
		Window:          window,
		Period:          analytics.CohortPeriod(r.URL.Query().Get("period")),
		IncludeSegments: queryBool(r, "include_segments"),
	}, http.StatusOK)
}

func (s *Server) handleTiming(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindTiming, &analytics.TimingRequest{
		FunnelID: id,
		Window:   window,
		Period:   analytics.CohortPeriod(r.URL.Query().Get("period")),
	}, http.StatusOK)
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindBottlenecks, &analytics.BottleneckRequest{
		FunnelID:             id,
		TimeWindowHours:      queryInt(r, "time_window_hours", 0),
		ComparisonPeriodDays: queryInt(r, "comparison_period_days", 0),
		Sensitivity:          analytics.Sensitivity(r.URL.Query().Get("sensitivity")),
	}, http.StatusOK)
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindPaths, &analytics.PathRequest{
		FunnelID:      id,
		Window:        window,
		MinPathVolume: queryInt(r, "min_path_volume", 0),
		MaxPathLength: queryInt(r, "max_path_length", 0),
	}, http.StatusOK)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	window, ok := s.windowFromQuery(w, r)
	if !ok {
		return
	}

	req := &analytics.AttributionRequest{
		FunnelID:      id,
		Window:        window,
		LookbackDays:  queryInt(r, "lookback_days", 0),
		HalfLifeDays:  queryFloat(r, "half_life_days", 0),
		PositionFirst: queryFloat(r, "position_first", 0),
		PositionLast:  queryFloat(r, "position_last", 0),
	}

	if raw := r.URL.Query().Get("custom_weights"); raw != "" {
		weights, err := parseWeights(raw)
		if err != nil {
			s.writeInvalid(w, r, err.Error())

			return
		}

		req.CustomWeights = weights
	}

	s.dispatch(w, r, orchestrator.KindAttribution, req, http.StatusOK)
}

// parseWeights parses a comma-separated list of touchpoint weights.
func parseWeights(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	weights := make([]float64, 0, len(parts))

	for _, part := range parts {
		weight, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid custom_weights entry %q", part)
		}

		weights = append(weights, weight)
	}

	return weights, nil
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindLive, &analytics.LiveRequest{FunnelID: id}, http.StatusOK)
}

func (s *Server) handleUserProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	s.dispatch(w, r, orchestrator.KindUserProgress, &analytics.UserProgressRequest{
		FunnelID:    id,
		AnonymousID: r.PathValue("userId"),
	}, http.StatusOK)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body compareRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	start, end := body.StartDate, body.EndDate
	if body.ComparisonPeriod != nil {
		start, end = body.ComparisonPeriod.StartDate, body.ComparisonPeriod.EndDate
	}

	window, err := parseWindow(start, end)
	if err != nil {
		s.writeInvalid(w, r, err.Error())

		return
	}

	req := &analytics.CompareRequest{
		Window: window,
		ABTest: body.ABTest,
	}

	for _, external := range body.FunnelIDs {
		id, parseErr := funnel.ParseFunnelID(external)
		if parseErr != nil {
			s.writeError(w, r, parseErr)

			return
		}

		req.FunnelIDs = append(req.FunnelIDs, id)
	}

	if body.BaselineFunnelID != "" {
		baseline, parseErr := funnel.ParseFunnelID(body.BaselineFunnelID)
		if parseErr != nil {
			s.writeError(w, r, parseErr)

			return
		}

		req.BaselineFunnelID = baseline
	}

	s.dispatch(w, r, orchestrator.KindCompare, req, http.StatusOK)
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.funnelIDFromPath(w, r)
	if !ok {
		return
	}

	var body exportRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	window, err := parseWindow(body.StartDate, body.EndDate)
	if err != nil {
		s.writeInvalid(w, r, err.Error())

		return
	}

	s.dispatch(w, r, orchestrator.KindExport, &orchestrator.ExportPayload{
		FunnelID: id,
		Request: &export.Request{
			Type:               body.Type,
			Format:             body.Format,
			Window:             window,
			Delivery:           body.Delivery,
			Email:              body.Email,
			Anonymize:          body.Anonymize,
			IncludeCohorts:     body.IncludeCohorts,
			IncludeAttribution: body.IncludeAttribution,
		},
	}, http.StatusAccepted)
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	id, err := export.ParseID(r.PathValue("exportId"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.dispatch(w, r, orchestrator.KindExportStatus, &orchestrator.ExportStatusPayload{ExportID: id}, http.StatusOK)
}

// contentTypeByFormat maps artifact formats to download content types.
var contentTypeByFormat = map[export.Format]string{
	export.FormatCSV:   "text/csv",
	export.FormatJSON:  "application/json",
	export.FormatExcel: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// handleExportDownload streams a completed export artifact. The URL stays
// valid until the artifact expires and is swept.
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	id, err := export.ParseID(r.PathValue("exportId"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	job, err := s.exports.Artifact(r.Context(), s.requestScope(r), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, r, fmt.Errorf("%w: artifact removed", export.ErrArtifactUnavailable))

			return
		}

		s.writeError(w, r, err)

		return
	}
	defer f.Close()

	contentType := contentTypeByFormat[job.Format]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.FilePath)))

	if job.FileSizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(job.FileSizeBytes, 10))
	}

	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		s.logger.Error("Failed to stream export artifact",
			slog.String("export_id", job.ExternalID),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
