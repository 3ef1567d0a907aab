package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ndblabs/ndb"
)

// Handler exposes a Database over HTTP for the ndbserver demo binary. It is
// a thin adapter: every handler does nothing more than decode a request,
// call the public nDB API, and encode the result.
type Handler struct {
	db    *ndb.Database
	queue *IngestQueue
	log   zerolog.Logger
}

// NewHandler builds a Handler backed by db, queueing inserts through an
// IngestQueue with the given worker count.
func NewHandler(db *ndb.Database, log zerolog.Logger, queueWorkers int) *Handler {
	return &Handler{
		db:    db,
		queue: NewIngestQueue(queueWorkers, 256, log),
		log:   log,
	}
}

// Close stops the handler's background ingest workers.
func (h *Handler) Close() {
	h.queue.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports liveness and every collection in the database
// directory, whether or not it has been opened.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	names, err := h.db.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"collections": names,
	})
}

type createCollectionRequest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
}

// HandleCreateCollection creates a new collection with an optional distance
// metric (defaults to cosine).
func (h *Handler) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	opts := []ndb.CollectionOption{}
	if req.Metric != "" {
		opts = append(opts, ndb.WithMetric(metricFromName(req.Metric)))
	}

	if _, err := h.db.CreateCollection(req.Name, req.Dimension, opts...); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func metricFromName(name string) ndb.Metric {
	switch name {
	case "dot":
		return ndb.MetricDot
	case "euclidean":
		return ndb.MetricEuclidean
	default:
		return ndb.MetricCosine
	}
}

type ingestRequest struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Vector     []float32      `json:"vector"`
	Payload    map[string]any `json:"payload"`
	Async      bool           `json:"async"`
}

// HandleIngest inserts a document into a collection. When Async is set the
// insert is queued and the handler returns a job ID the caller can poll via
// HandleJobStatus instead of blocking on durability.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	coll, err := h.db.Collection(req.Collection)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if req.Async {
		job := h.queue.Enqueue(coll, req.ID, req.Vector, req.Payload)
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
		return
	}

	if err := coll.Insert(req.ID, req.Vector, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID})
}

// HandleJobStatus reports the outcome of a previously queued async insert.
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := h.queue.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job id")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type searchRequest struct {
	Collection  string      `json:"collection"`
	Query       []float32   `json:"query"`
	TopK        int         `json:"top_k"`
	Approximate bool        `json:"approximate"`
	Ef          int         `json:"ef"`
	Filter      *ndb.Filter `json:"filter"`
}

// HandleSearch runs a similarity search against a collection, optionally
// approximate and/or restricted by a post-filter.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	coll, err := h.db.Collection(req.Collection)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	opts := []ndb.SearchOption{}
	if req.Approximate {
		opts = append(opts, ndb.Approximate())
	}
	if req.Ef > 0 {
		opts = append(opts, ndb.WithEf(req.Ef))
	}
	if req.Filter != nil {
		opts = append(opts, ndb.WithFilter(*req.Filter))
	}

	results, err := coll.Search(req.Query, req.TopK, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleStats reports a point-in-time snapshot of a collection's size.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request, collection string) {
	coll, err := h.db.Collection(collection)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, coll.Stats())
}
