package mock

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// MaxProjectID is the largest project id the fake knowledge graph knows.
// Larger ids answer 404.
const MaxProjectID = 999

// Handler serves the fake upstream API. Mount it under the upstream base
// URL; the Prometheus API lives under /prometheus/api/v1.
func (g *Generator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notebooks/servers", g.handleServers)
	mux.HandleFunc("GET /data/sessions", g.handleSessions)
	mux.HandleFunc("GET /kg/projects/{id}/activation", g.handleActivation)
	mux.HandleFunc("GET /prometheus/api/v1/query", g.handleQuery)
	return g.authorize(mux)
}

func (g *Generator) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token != "" && strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != g.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Generator) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.store.Servers())
}

func (g *Generator) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.store.GetAll())
}

func (g *Generator) handleActivation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid project id"})
		return
	}
	if id > MaxProjectID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": g.activationProgress(id)})
}

// handleQuery answers every instant query with the number of sessions that
// are not hibernated or failed.
func (g *Generator) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":    "error",
			"errorType": "bad_data",
			"error":     "missing query parameter",
		})
		return
	}
	now := float64(g.clock.Now().Unix())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"resultType": "vector",
			"result": []any{
				map[string]any{
					"metric": map[string]string{"__name__": "renku_sessions_active", "query": query},
					"value":  []any{now, strconv.Itoa(g.store.ActiveCount())},
				},
			},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
