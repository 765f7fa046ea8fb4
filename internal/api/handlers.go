package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

type backendInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
	Problem     string `json:"problem,omitempty"`
}

// handleListBackends handles GET /v1/backends. Enabled backends are resolved
// to report whether they are configured.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	infos := s.backends.Descriptors()
	out := make([]backendInfo, 0, len(infos))
	for _, d := range infos {
		bi := backendInfo{ID: d.ID, DisplayName: d.DisplayName, Enabled: d.Enabled}
		if d.Enabled {
			b, err := s.backends.Resolve(r.Context(), d.ID)
			if err != nil {
				bi.Problem = err.Error()
			} else {
				bi.Configured = b.IsConfigured()
			}
		}
		out = append(out, bi)
	}
	writeJSON(w, http.StatusOK, out)
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSetEnabled handles PUT /v1/backends/{id}/enabled.
func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.backends.SetEnabled(id, req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backendInfo{ID: id, Enabled: s.backends.IsEnabled(id)})
}

// handleListVoices handles GET /v1/backends/{id}/voices.
func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.orch.ListVoices(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if voices == nil {
		voices = []types.Voice{}
	}
	writeJSON(w, http.StatusOK, voices)
}

// generateRequest is the body of POST /v1/generate. Either Item carries a
// full encoded item (with "kind"), or Voice and Text describe a message.
type generateRequest struct {
	Backend string          `json:"backend"`
	Voice   string          `json:"voice"`
	Text    string          `json:"text"`
	Item    json.RawMessage `json:"item,omitempty"`
}

func (req generateRequest) speakable() (types.SpeakableItem, error) {
	if len(req.Item) > 0 {
		return types.DecodeItem(req.Item)
	}
	return types.Message{Ref: types.Ref{Voice: req.Voice}, Text: req.Text}, nil
}

// handleGenerate handles POST /v1/generate. The response body is the audio;
// X-Cache reports whether it came from the artifact cache.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := req.speakable()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.orch.Generate(r.Context(), item, req.Backend)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cache := "miss"
	if res.CacheHit {
		cache = "hit"
	}
	w.Header().Set("Content-Type", contentType(res.Audio))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Header().Set("X-Cache", cache)
	w.Header().Set("X-Fingerprint", res.Fingerprint)
	w.Header().Set("X-Backend", res.BackendID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

func contentType(audio []byte) string {
	switch sink.Ext(audio) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// submitRequest is the body of POST /v1/batches.
type submitRequest struct {
	Name         string            `json:"name"`
	Backend      string            `json:"backend"`
	SaveInterval int               `json:"save_interval"`
	Start        bool              `json:"start"`
	Items        []json.RawMessage `json:"items"`
}

// handleSubmitBatch handles POST /v1/batches. A zero save_interval uses the
// runtime setting.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]types.SpeakableItem, 0, len(req.Items))
	for _, raw := range req.Items {
		item, err := types.DecodeItem(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = append(items, item)
	}
	interval := req.SaveInterval
	if interval <= 0 {
		interval = s.settings.SaveInterval()
	}

	job, err := s.jobs.Submit(req.Name, items, req.Backend, interval)
	if err != nil {
		s.writeError(w, r, errBadRequestf(err))
		return
	}
	if req.Start {
		if err := s.jobs.Start(job.ID); err != nil {
			_ = s.jobs.Remove(job.ID)
			s.writeError(w, r, err)
			return
		}
	}
	s.log.Info("batch submitted", "job", job.ID, "name", req.Name, "items", len(items), "started", req.Start)
	writeJSON(w, http.StatusCreated, job.Info())
}

// handleListBatches handles GET /v1/batches.
func (s *Server) handleListBatches(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.List()
	out := make([]orchestrator.JobInfo, len(jobs))
	for i, j := range jobs {
		out[i] = j.Info()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetBatch handles GET /v1/batches/{id}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Info())
}

// handleRemoveBatch handles DELETE /v1/batches/{id}.
func (s *Server) handleRemoveBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// batchAction returns a handler that applies fn to the job and answers with
// its new state.
func (s *Server) batchAction(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(id); err != nil {
			s.writeError(w, r, err)
			return
		}
		job, err := s.jobs.Get(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job.Info())
	}
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(s.jobs.Start)(w, r)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(s.jobs.Cancel)(w, r)
}

func (s *Server) handleResetBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(s.jobs.Reset)(w, r)
}

// handleGetSettings handles GET /v1/settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

// handlePutSettings handles PUT /v1/settings. Zero fields take their
// defaults; invalid values are rejected without changing anything.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var next config.Settings
	if err := decodeJSON(w, r, &next); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.settings.Replace(next); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

type cacheStats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Human     string  `json:"human"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
	Rejected  int64   `json:"rejected"`
}

// handleCacheStats handles GET /v1/cache.
func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	st := s.cache.Stats()
	writeJSON(w, http.StatusOK, cacheStats{
		Entries:   st.Entries,
		Bytes:     st.Bytes,
		MaxBytes:  st.MaxBytes,
		Human:     humanize.Bytes(uint64(st.Bytes)) + " / " + humanize.Bytes(uint64(st.MaxBytes)),
		Hits:      st.Hits,
		Misses:    st.Misses,
		HitRate:   st.HitRate(),
		Evictions: st.Evictions,
		Rejected:  st.Rejected,
	})
}
