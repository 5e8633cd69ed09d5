package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/floegence/sera-runtime/internal/auditlog"
	"github.com/floegence/sera-runtime/internal/chats"
)

type chatMessagesReq struct {
	Messages []chats.Message `json:"messages"`
}

func (g *Gateway) chatsReady(w http.ResponseWriter) bool {
	if g.chats == nil {
		writeError(w, http.StatusServiceUnavailable, "chat history not configured")
		return false
	}
	return true
}

func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	if !g.chatsReady(w) {
		return
	}
	list, err := g.chats.ListByUser(r.Context(), userIDFromRequest(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if !g.chatsReady(w) {
		return
	}
	var req chatMessagesReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	c, err := g.chats.Create(r.Context(), userIDFromRequest(r), req.Messages)
	if err != nil {
		writeErr(w, err)
		return
	}
	g.record(r, auditlog.Entry{Action: auditlog.ActionChatCreated, ChatID: c.ID}, nil)
	writeJSON(w, http.StatusCreated, c)
}

func (g *Gateway) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if !g.chatsReady(w) {
		return
	}
	c, err := g.chats.Get(r.Context(), userIDFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	if !g.chatsReady(w) {
		return
	}
	var req chatMessagesReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	c, err := g.chats.Update(r.Context(), userIDFromRequest(r), id, req.Messages)
	g.record(r, auditlog.Entry{Action: auditlog.ActionChatUpdated, ChatID: id}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if !g.chatsReady(w) {
		return
	}
	id := chi.URLParam(r, "id")
	err := g.chats.Delete(r.Context(), userIDFromRequest(r), id)
	g.record(r, auditlog.Entry{Action: auditlog.ActionChatDeleted, ChatID: id}, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResp{Success: true})
}
