// Package api provides HTTP handlers for SurveyPipe endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/chatwoot"
	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ServiceName is reported by the health check.
const ServiceName = "SurveyPipe"

// webhookHandler receives Chatwoot webhooks (POST /webhook/chatwoot).
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.WebhookToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.WebhookToken)) != 1 {
			slog.Warn("Server.webhookHandler: invalid webhook token", "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid webhook token"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBodyBytes+1))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if len(body) > MaxWebhookBodyBytes {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
		return
	}

	ev, ok, err := chatwoot.ParseWebhook(body, s.opts.ParseOptions)
	if err != nil {
		slog.Warn("Server.webhookHandler: malformed webhook", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	if !ok {
		slog.Debug("Server.webhookHandler: event ignored")
		writeJSONResponse(w, http.StatusOK, models.Ignored("event not handled"))
		return
	}

	// The sender may give up on the request; a half-handled transition must still finish.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), DefaultWebhookTimeout)
	defer cancel()

	res, err := s.handler.HandleInboundEvent(ctx, ev)
	if err != nil {
		slog.Error("Server.webhookHandler: event handling failed", "error", err, "conversationID", ev.ConversationID, "deliveryID", ev.DeliveryID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}
	slog.Info("Server.webhookHandler: event handled", "conversationID", ev.ConversationID, "accepted", res.Accepted, "reason", res.Reason, "next", res.NextStateID)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// healthHandler reports liveness and the template catalog (GET /).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"service":   ServiceName,
		"templates": s.catalog.TemplateNames(),
	}))
}

// templatesHandler lists the template catalog (GET /templates).
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.templatesHandler: listing templates", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	names := s.catalog.TemplateNames()
	templates := make([]models.TemplateInfo, 0, len(names))
	for _, name := range names {
		tmpl, _ := s.catalog.Template(name)
		templates = append(templates, templateInfo(tmpl))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"total":     len(templates),
		"templates": templates,
	}))
}

func templateInfo(tmpl models.TemplateSpec) models.TemplateInfo {
	desc := "Simple template"
	if tmpl.IsList() {
		desc = "Interactive list"
	}
	return models.TemplateInfo{Name: tmpl.Name, Type: string(tmpl.Type), Description: desc}
}

// sendTemplateHandler sends one catalog template to a phone number (POST /send-template).
func (s *Server) sendTemplateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendTemplateHandler: processing send request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendTemplateHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.SendTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendTemplateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sendTemplateHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	tmpl, ok := s.catalog.Template(req.Template)
	if !ok {
		slog.Warn("Server.sendTemplateHandler: unknown template", "template", req.Template)
		writeJSONResponse(w, http.StatusNotFound, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Template '"+req.Template+"' not found").
			WithResult(map[string]interface{}{"available_templates": s.catalog.TemplateNames()}).
			Build())
		return
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		slog.Warn("Server.sendTemplateHandler: recipient validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultSendTimeout)
	defer cancel()

	var messageID string
	if tmpl.IsList() {
		messageID, err = s.msgService.SendInteractiveChoice(ctx, phone, tmpl)
	} else {
		messageID, err = s.msgService.SendTemplate(ctx, phone, tmpl, req.Params)
	}
	if err != nil {
		slog.Error("Server.sendTemplateHandler: send failed", "error", err, "template", req.Template)
		msg := "Failed to send template"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "Timed out sending template"
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(msg))
		return
	}

	slog.Info("Server.sendTemplateHandler: template sent", "template", req.Template, "messageID", messageID)
	sentMsg := "Template sent"
	if tmpl.IsList() {
		sentMsg = "Interactive list sent"
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(sentMsg, models.SendTemplateResult{
		Template:  req.Template,
		Phone:     phone,
		MessageID: messageID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}))
}
