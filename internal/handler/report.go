package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"coursechat/internal/storage"
)

const maxReportRows = 10000

type ReportHandler struct {
	store  *storage.Store
	logger zerolog.Logger
}

func NewReportHandler(store *storage.Store, logger zerolog.Logger) *ReportHandler {
	return &ReportHandler{store: store, logger: logger.With().Str("component", "report").Logger()}
}

type reportRow struct {
	ID         int64     `json:"id"`
	InstanceID int64     `json:"instanceId"`
	UserID     int64     `json:"userId"`
	SessionID  string    `json:"sessionId"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
}

var reportHeader = []string{"id", "instance_id", "user_id", "session_id", "request", "response", "created_at"}

// Log handles GET /api/report. download=csv streams the same rows as a CSV attachment.
func (h *ReportHandler) Log(w http.ResponseWriter, r *http.Request) {
	instanceID, err := instanceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := uint64(maxReportRows)
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.ParseUint(l, 10, 64); err == nil && parsed > 0 && parsed < limit {
			limit = parsed
		}
	}

	entries, err := h.store.ListLog(r.Context(), instanceID, limit)
	if err != nil {
		h.logger.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to list chat log")
		writeError(w, http.StatusInternalServerError, "failed to load chat log")
		return
	}

	if r.URL.Query().Get("download") == "csv" {
		h.writeCSV(w, instanceID, entries)
		return
	}
	rows := make([]reportRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, reportRow(e))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *ReportHandler) writeCSV(w http.ResponseWriter, instanceID int64, entries []storage.LogEntry) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="chatlog-%d.csv"`, instanceID))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(reportHeader)
	for _, e := range entries {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			strconv.FormatInt(e.InstanceID, 10),
			strconv.FormatInt(e.UserID, 10),
			e.SessionID,
			e.Request,
			e.Response,
			e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn().Err(err).Int64("instance_id", instanceID).Msg("failed to write csv report")
	}
}
