package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"egcoord/pkg/coordination"
	"egcoord/pkg/resolver"
)

type targetReport struct {
	Service   string             `json:"service"`
	Latencies []resolver.Latency `json:"latencies,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// listTargets handles GET /api/v1/targets with a fresh measurement of every
// service.
func (s *Server) listTargets(c *gin.Context) {
	out := make([]targetReport, 0, len(s.probers))
	for _, p := range s.probers {
		r := targetReport{Service: p.Service()}
		all, err := p.MeasureLatencies(c.Request.Context())
		if err != nil {
			r.Error = err.Error()
		}
		r.Latencies = all
		out = append(out, r)
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.coordinator.ActiveWorkers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get workers: " + err.Error()})
		return
	}
	if workers == nil {
		workers = []coordination.WorkerInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) getLeader(c *gin.Context) {
	if s.leadership == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "leader election not configured"})
		return
	}
	leader, err := s.leadership.Leader(c.Request.Context())
	switch {
	case errors.Is(err, coordination.ErrNoLeader):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"leader": leader})
	}
}
