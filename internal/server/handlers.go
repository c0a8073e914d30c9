package server

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/pkg/check"
)

// PluginResponse describes a registered check plugin.
type PluginResponse struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Group          string   `json:"group,omitempty"`
	DefaultParams  string   `json:"default_params,omitempty"`
	Classification string   `json:"classification"`
	Sections       []string `json:"sections,omitempty"`
}

// ResultSummary is one row of GET /results.
type ResultSummary struct {
	Host     string      `json:"host"`
	CycleID  string      `json:"cycle_id"`
	Finished string      `json:"finished"`
	Worst    check.State `json:"worst"`
	Services int         `json:"services"`
}

// InventoryEntry is one stored service of a host.
type InventoryEntry struct {
	Plugin      string       `json:"plugin"`
	Item        string       `json:"item,omitempty"`
	Description string       `json:"description"`
	Source      check.Source `json:"source"`
	Params      check.Params `json:"params,omitempty"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	info := make([]PluginResponse, 0)
	for def := range s.opts.Plugins.All() {
		info = append(info, PluginResponse{
			Name:           def.Name,
			Description:    def.Description,
			Group:          def.Group,
			DefaultParams:  def.DefaultParams,
			Classification: def.Classification.String(),
			Sections:       def.Sections,
		})
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	reports := s.opts.Results.All()
	out := make([]ResultSummary, 0, len(reports))
	for _, r := range reports {
		out = append(out, ResultSummary{
			Host:     r.Host,
			CycleID:  r.ID,
			Finished: r.Finished.UTC().Format(time.RFC3339),
			Worst:    r.Worst,
			Services: len(r.Results),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHostResults(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	report, ok := s.opts.Results.Get(host)
	if !ok {
		NotFound(w, "no completed cycle for host "+host, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleInventoryHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.opts.Inventory.Hosts(r.Context())
	if err != nil {
		s.logger.Error("list inventory hosts", zap.Error(err))
		InternalError(w, "failed to list inventory hosts", r.URL.Path)
		return
	}
	if hosts == nil {
		hosts = []string{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	services, err := s.opts.Inventory.Load(r.Context(), host)
	if err != nil {
		s.logger.Error("load inventory", zap.String("host", host), zap.Error(err))
		InternalError(w, "failed to load inventory", r.URL.Path)
		return
	}
	if len(services) == 0 {
		NotFound(w, "no inventory for host "+host, r.URL.Path)
		return
	}
	out := make([]InventoryEntry, len(services))
	for i, svc := range services {
		out[i] = InventoryEntry{
			Plugin:      svc.Plugin,
			Item:        svc.Item,
			Description: svc.Description,
			Source:      svc.Source,
			Params:      svc.Params,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Rules.Reload(); err != nil {
		s.logger.Warn("rule reload rejected", zap.Error(err))
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	report, err := s.opts.Check(r.Context(), host)
	switch {
	case errors.Is(err, pipeline.ErrUnknownHost):
		NotFound(w, err.Error(), r.URL.Path)
		return
	case err != nil:
		s.logger.Error("on-demand cycle failed", zap.String("host", host), zap.Error(err))
		InternalError(w, "cycle failed: "+err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
