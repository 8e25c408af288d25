package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pocketsage/pocketsage/internal/analytics"
	"github.com/pocketsage/pocketsage/internal/cascade"
	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/intent"
	"github.com/pocketsage/pocketsage/internal/modestate"
	"github.com/pocketsage/pocketsage/internal/router"
	"github.com/pocketsage/pocketsage/internal/shadow"
)

// QueryRequest is one user question entering the pipeline.
type QueryRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// QueryResponse is the pipeline's answer plus routing metadata.
type QueryResponse struct {
	Kind        string             `json:"kind"`
	Answer      string             `json:"answer,omitempty"`
	UsedFactIDs []string           `json:"used_fact_ids,omitempty"`
	Clarify     *cascade.ClarifyUI `json:"clarify,omitempty"`
	Intent      string             `json:"intent"`
	Tier        string             `json:"tier"`
	Mode        string             `json:"mode"`
	Analytics   cascade.Analytics  `json:"analytics"`
}

// currentMonthWindow bounds facts to the calendar month containing now.
func currentMonthWindow(now time.Time, tz *time.Location) factpack.TimeWindow {
	local := now.In(tz)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, tz)
	return factpack.TimeWindow{
		Start: start,
		End:   start.AddDate(0, 1, 0),
		TZ:    tz.String(),
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cascade == nil || s.deps.Builder == nil || s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "query pipeline not configured")
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and query are required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = req.UserID
	}

	mode := s.modes.get(req.SessionID).Apply(modestate.EventUserQuery, "")

	in := intent.Classify(req.Query)
	window := currentMonthWindow(s.now(), s.deps.TZ)

	pack, err := s.deps.Builder.Build(r.Context(), req.UserID, in, window)
	if err != nil {
		s.logger.Error("fact pack build failed", "error", err, "user_id", req.UserID)
		s.errorResponse(w, http.StatusBadGateway, "could not load financial facts")
		return
	}

	tier := s.deps.Router.Route(in, req.Query)

	res, err := s.runCascade(r, req, in, tier, pack)
	if err != nil {
		s.logger.Error("cascade failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.emitQueryEvents(req.SessionID, in, res)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, QueryResponse{
		Kind:        res.Kind,
		Answer:      res.Answer,
		UsedFactIDs: res.UsedFactIDs,
		Clarify:     res.Clarify,
		Intent:      string(in),
		Tier:        string(tier),
		Mode:        string(mode),
		Analytics:   res.Analytics,
	}, s.logger)
}

// runCascade executes the pipeline, dual-running a candidate tier in the
// shadow harness when one is sampled in.
func (s *Server) runCascade(r *http.Request, req QueryRequest, in intent.Intent, tier router.Tier, pack *factpack.FactPack) (*cascade.Result, error) {
	creq := cascade.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Query:     req.Query,
		Intent:    in,
		Tier:      tier,
		Pack:      pack,
	}

	if s.deps.Shadow == nil {
		return s.deps.Cascade.Run(r.Context(), creq)
	}

	var out *cascade.Result
	current := s.runFn(creq, tier, &out)

	candidateTier := router.Next(tier)
	candidateReq := creq
	candidateReq.Tier = candidateTier
	candidateReq.Candidate = true
	candidate := s.runFn(candidateReq, candidateTier, nil)

	if _, err := s.deps.Shadow.DualRun(r.Context(), req.UserID, current, candidate); err != nil {
		return nil, err
	}
	return out, nil
}

// runFn adapts one cascade invocation to the shadow harness. When out is
// non-nil the full result is captured for the HTTP response.
func (s *Server) runFn(creq cascade.Request, tier router.Tier, out **cascade.Result) shadow.RunFn {
	return func(ctx context.Context) (*shadow.RunResult, error) {
		res, err := s.deps.Cascade.Run(ctx, creq)
		if err != nil {
			return nil, err
		}
		if out != nil {
			*out = res
		}

		tokens := 0
		for _, n := range res.Analytics.StageTokens {
			tokens += n
		}
		model := ""
		if ref, ok := s.deps.Models[tier]; ok {
			model = ref.Model
		}
		return &shadow.RunResult{
			Answer:  res.Answer,
			FactIDs: res.UsedFactIDs,
			Tier:    string(tier),
			Model:   model,
			Tokens:  tokens,
		}, nil
	}
}

func (s *Server) emitQueryEvents(sessionID string, in intent.Intent, res *cascade.Result) {
	if s.deps.Emitter == nil {
		return
	}

	s.deps.Emitter.Emit(analytics.TypeQueryAnswered, sessionID, map[string]any{
		"intent":          string(in),
		"kind":            res.Kind,
		"tier":            res.Analytics.Tier,
		"decision_path":   res.Analytics.DecisionPath,
		"decision_reason": res.Analytics.DecisionReason,
		"cache_hit":       res.Analytics.CacheHit,
		"fact_count":      len(res.UsedFactIDs),
	})

	for _, rule := range res.Analytics.GuardFailures {
		s.deps.Emitter.Emit(analytics.TypeGuardFailure, sessionID, map[string]any{
			"rule":   rule,
			"intent": string(in),
			"tier":   res.Analytics.Tier,
		})
	}
}
