package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/floegence/sera-runtime/internal/agui"
	"github.com/floegence/sera-runtime/internal/ai"
	"github.com/floegence/sera-runtime/internal/auditlog"
	"github.com/floegence/sera-runtime/internal/blobstore"
)

// envelope is the single-endpoint request shape.
type envelope struct {
	Method string          `json:"method"`
	Params envelopeParams  `json:"params"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type envelopeParams struct {
	AgentID  string `json:"agentId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

type successResp struct {
	Success bool `json:"success"`
}

type uploadResp struct {
	ImageID  string `json:"imageID"`
	MimeType string `json:"mimeType"`
}

func (g *Gateway) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeErr(w, err)
		return
	}
	p := env.Params
	p.AgentID = strings.TrimSpace(p.AgentID)
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	p.RunID = strings.TrimSpace(p.RunID)

	switch strings.TrimSpace(env.Method) {
	case "info":
		g.handleInfo(w, r)

	case "agent/run":
		if p.AgentID == "" {
			writeError(w, http.StatusBadRequest, "Missing agentId")
			return
		}
		var in ai.RunInput
		if err := unmarshalBody(env.Body, &in); err != nil {
			writeErr(w, err)
			return
		}
		if in.ThreadID == "" {
			in.ThreadID = p.ThreadID
		}
		if in.RunID == "" {
			in.RunID = p.RunID
		}
		g.streamRun(w, r, p.AgentID, in)

	case "agent/connect":
		if p.AgentID == "" {
			writeError(w, http.StatusBadRequest, "Missing agentId")
			return
		}
		var in ai.RunInput
		if err := unmarshalBody(env.Body, &in); err != nil {
			writeErr(w, err)
			return
		}
		threadID := p.ThreadID
		if threadID == "" {
			threadID = in.ThreadID
		}
		g.streamConnect(w, r, p.AgentID, threadID)

	case "agent/stop":
		if p.AgentID == "" || p.ThreadID == "" {
			writeError(w, http.StatusBadRequest, "Missing agentId or threadId")
			return
		}
		g.stop(w, r, p.AgentID, p.ThreadID, p.RunID)

	case "agent/confirm":
		if p.AgentID == "" {
			writeError(w, http.StatusBadRequest, "Missing agentId")
			return
		}
		var in ai.ConfirmInput
		if err := unmarshalBody(env.Body, &in); err != nil {
			writeErr(w, err)
			return
		}
		if in.ThreadID == "" {
			in.ThreadID = p.ThreadID
		}
		g.confirm(w, r, p.AgentID, in)

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown method: %s", env.Method))
	}
}

func unmarshalBody(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errBadRequest
	}
	return nil
}

func (g *Gateway) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.ai.Info())
}

func (g *Gateway) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var in ai.RunInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeErr(w, err)
		return
	}
	g.streamRun(w, r, chi.URLParam(r, "agentId"), in)
}

func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	var in ai.RunInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeErr(w, err)
		return
	}
	g.streamConnect(w, r, chi.URLParam(r, "agentId"), in.ThreadID)
}

func (g *Gateway) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	g.stop(w, r, chi.URLParam(r, "agentId"), chi.URLParam(r, "threadId"), r.URL.Query().Get("runId"))
}

func (g *Gateway) handleAgentConfirm(w http.ResponseWriter, r *http.Request) {
	var in ai.ConfirmInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeErr(w, err)
		return
	}
	g.confirm(w, r, chi.URLParam(r, "agentId"), in)
}

// streamRun validates the run before the first byte so rejections keep their
// HTTP status; after that every failure is a RUN_ERROR event.
func (g *Gateway) streamRun(w http.ResponseWriter, r *http.Request, agentID string, in ai.RunInput) {
	prepared, err := g.ai.PrepareRun(r.Context(), agentID, in, userIDFromRequest(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	g.record(r, auditlog.Entry{
		Action:   auditlog.ActionRunStarted,
		AgentID:  agentID,
		ThreadID: prepared.ThreadID,
		RunID:    prepared.RunID,
	}, nil)

	agui.PrepareHeaders(w)
	w.Header().Set(headerRunID, prepared.RunID)
	w.WriteHeader(http.StatusOK)

	// Block until the run completes (or the client disconnects).
	if err := g.ai.Execute(r.Context(), prepared, agui.NewSSEStream(w)); err != nil {
		g.log.Warn("run ended with error", "thread_id", prepared.ThreadID, "run_id", prepared.RunID, "error", err)
	}
}

func (g *Gateway) streamConnect(w http.ResponseWriter, r *http.Request, agentID string, threadID string) {
	if err := g.ai.CheckAgent(agentID); err != nil {
		writeErr(w, err)
		return
	}
	agui.PrepareHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := g.ai.Connect(r.Context(), threadID, agui.NewSSEStream(w)); err != nil {
		g.log.Warn("connect replay failed", "thread_id", strings.TrimSpace(threadID), "error", err)
	}
}

func (g *Gateway) stop(w http.ResponseWriter, r *http.Request, agentID string, threadID string, runID string) {
	if err := g.ai.CheckAgent(agentID); err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(threadID) == "" {
		writeError(w, http.StatusBadRequest, "Missing agentId or threadId")
		return
	}
	stopped := g.ai.Stop(threadID, runID)
	var err error
	if !stopped {
		err = errors.New("no active run")
	}
	g.record(r, auditlog.Entry{
		Action:   auditlog.ActionRunStopped,
		AgentID:  agentID,
		ThreadID: strings.TrimSpace(threadID),
		RunID:    strings.TrimSpace(runID),
	}, err)
	writeJSON(w, http.StatusOK, successResp{Success: stopped})
}

func (g *Gateway) confirm(w http.ResponseWriter, r *http.Request, agentID string, in ai.ConfirmInput) {
	if err := g.ai.CheckAgent(agentID); err != nil {
		writeErr(w, err)
		return
	}
	res, err := g.ai.Confirm(r.Context(), in, userIDFromRequest(r))
	g.record(r, auditlog.Entry{
		Action:   auditlog.ActionConfirmResolved,
		AgentID:  agentID,
		ThreadID: strings.TrimSpace(in.ThreadID),
		Detail: map[string]any{
			"confirmation_id": strings.TrimSpace(in.ConfirmationID),
			"confirmed":       in.Confirmed,
		},
	}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if g.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "image storage not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, g.maxUpload+(1<<20))
	if err := r.ParseMultipartForm(g.maxUpload + (1 << 20)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "Image too large. Maximum size: "+humanBytes(g.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	f, fh, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, g.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	if int64(len(data)) > g.maxUpload {
		writeError(w, http.StatusBadRequest, "Image too large. Maximum size: "+humanBytes(g.maxUpload))
		return
	}
	declared := ""
	if fh != nil {
		declared = fh.Header.Get("Content-Type")
	}
	mimeType := blobstore.DetectMime(data, declared)
	if err := blobstore.ValidateImage(mimeType, int64(len(data))); err != nil {
		writeErr(w, err)
		return
	}
	id, err := g.blobs.Put(r.Context(), data, mimeType)
	if err != nil {
		writeErr(w, err)
		return
	}
	g.log.Info("image uploaded", "image_id", id, "mime_type", mimeType, "size", len(data))
	g.record(r, auditlog.Entry{
		Action:  auditlog.ActionImageUploaded,
		ImageID: id,
		Detail:  map[string]any{"mime_type": mimeType, "size": len(data)},
	}, nil)
	writeJSON(w, http.StatusOK, uploadResp{ImageID: id, MimeType: mimeType})
}

func (g *Gateway) handleGetImage(w http.ResponseWriter, r *http.Request) {
	if g.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "image storage not configured")
		return
	}
	b, err := g.blobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", b.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}

func humanBytes(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return strconv.FormatInt(n>>20, 10) + "MB"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}
