package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/report"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

type sessionResponse struct {
	ID      uuid.UUID     `json:"id"`
	State   string        `json:"state"`
	Counts  triage.Counts `json:"counts"`
	Current *triage.View  `json:"current,omitempty"`
}

type outcomeResponse struct {
	Outcome string       `json:"outcome"`
	Finding *triage.View `json:"finding,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// errorStatus maps triage and ingest errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, triage.ErrFindingNotFound):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, report.ErrUnrecognizedInput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func findingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid finding id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func readReport(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read report: %w", err))
		return "", false
	}
	return string(body), true
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{
		ID:     s.ctrl.SessionID(),
		State:  s.ctrl.State().String(),
		Counts: s.ctrl.Counts(),
	}
	if v, ok := s.ctrl.Current(); ok {
		resp.Current = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	raw, ok := readReport(w, r)
	if !ok {
		return
	}
	added, err := s.ctrl.Ingest(raw)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) findings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Views())
}

func (s *Server) finding(w http.ResponseWriter, r *http.Request) {
	id, ok := findingID(w, r)
	if !ok {
		return
	}
	v, err := s.ctrl.Get(id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) {
	v, ok := s.ctrl.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	v, ok := s.ctrl.Advance()
	s.persist(r.Context())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) markFixed(w http.ResponseWriter, r *http.Request) {
	id, ok := findingID(w, r)
	if !ok {
		return
	}
	v, err := s.ctrl.MarkFixed(id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, v)
}

// writeOutcome reports an inconclusive run as 200 with its cause; only
// illegal requests are HTTP errors.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, id uuid.UUID, o triage.Outcome, err error) {
	if err != nil && (errors.Is(err, triage.ErrFindingNotFound) || errors.Is(err, triage.ErrInvalidTransition)) {
		writeError(w, errorStatus(err), err)
		return
	}
	resp := outcomeResponse{Outcome: o.String()}
	if err != nil {
		resp.Error = err.Error()
	} else {
		s.persist(r.Context())
	}
	if v, getErr := s.ctrl.Get(id); getErr == nil {
		resp.Finding = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := findingID(w, r)
	if !ok {
		return
	}
	o, err := s.ctrl.Reverify(r.Context(), id)
	s.writeOutcome(w, r, id, o, err)
}

func (s *Server) applyReport(w http.ResponseWriter, r *http.Request) {
	id, ok := findingID(w, r)
	if !ok {
		return
	}
	raw, ok := readReport(w, r)
	if !ok {
		return
	}
	o, err := s.ctrl.ApplyReport(id, raw)
	s.writeOutcome(w, r, id, o, err)
}

func (s *Server) verifyAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.ctrl.ReverifyAll(r.Context())
	resp := struct {
		Outcomes map[string]string `json:"outcomes"`
		Error    string            `json:"error,omitempty"`
	}{Outcomes: make(map[string]string, len(outcomes))}
	for id, o := range outcomes {
		resp.Outcomes[id.String()] = o.String()
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		s.persist(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) explain(w http.ResponseWriter, r *http.Request) {
	id, ok := findingID(w, r)
	if !ok {
		return
	}
	exp, err := s.ctrl.Explain(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persist(r.Context())
	writeJSON(w, http.StatusOK, exp)
}
