package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"facegate.org/internal/auth"
	"facegate.org/internal/faces"
	"facegate.org/internal/health"
	"facegate.org/internal/recognition"
)

const (
	statusSuccess = "success"
	statusQueued  = "queued"
	statusError   = "error"

	formatJSON     = "json"
	formatMarkdown = "markdown"
)

type toolRequest struct {
	AccessToken    string          `json:"access_token"`
	ResponseFormat string          `json:"response_format"`
	Arguments      json.RawMessage `json:"arguments"`
}

// toolResponse is the envelope every tool call answers with. Content holds
// the markdown rendering when it was requested, Data the structured result
// otherwise.
type toolResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	Data          any    `json:"data,omitempty"`
	Content       string `json:"content,omitempty"`
	OverallStatus string `json:"overall_status,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

type toolResult struct {
	status   string
	message  string
	data     any
	markdown string
}

// toolFunc runs one tool. The caller's claims are on ctx.
type toolFunc func(a *API, ctx context.Context, args json.RawMessage) (toolResult, error)

type tool struct {
	description string
	run         toolFunc
}

var tools = map[string]tool{
	"register_face":    {"Register a face; queued while the vector store is degraded", (*API).runRegister},
	"recognize_face":   {"Identify a face against registered profiles", (*API).runRecognize},
	"get_user_profile": {"Fetch a registered profile", (*API).runProfile},
	"list_users":       {"List registered profiles", (*API).runList},
	"delete_user":      {"Delete a profile and its biometric data", (*API).runDelete},
	"update_user":      {"Update a profile's name, metadata or face", (*API).runUpdate},
	"get_stats":        {"Vector store statistics and queue depth", (*API).runStats},
	"batch_enroll":     {"Register several faces in one call", (*API).runBatch},
	"health_status":    {"Component health, capabilities and degraded mode", (*API).runHealth},
	"drain_queue":      {"Process queued registrations after recovery", (*API).runDrain},
}

func toolNames() []string {
	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0, len(tools))
	for _, n := range toolNames() {
		out = append(out, map[string]string{"name": n, "description": tools[n].description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// handleToolCall authenticates before anything else about the request is
// looked at: tool name, response format and body shape are only checked for
// callers holding a valid token.
func (a *API) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")
	t, known := tools[name]
	metricName := name
	if !known {
		metricName = "unknown"
	}

	raw, readErr := readBody(w, r)
	var lenient struct {
		AccessToken string `json:"access_token"`
	}
	if readErr == nil {
		_ = json.Unmarshal(raw, &lenient)
	}

	claims, ok := a.authenticate(w, r, lenient.AccessToken)
	if !ok {
		a.metrics.ToolCall(metricName, statusError)
		return
	}
	ctx := auth.ContextWithClaims(r.Context(), claims)

	if !known {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("unknown tool %q", name))
		return
	}

	var req toolRequest
	err := readErr
	if err == nil {
		err = decodeBytes(raw, &req, true)
	}
	if err != nil {
		a.metrics.ToolCall(name, statusError)
		a.respond(w, r, http.StatusBadRequest, toolResponse{Status: statusError, Message: err.Error()})
		return
	}
	format := strings.ToLower(strings.TrimSpace(req.ResponseFormat))
	if format == "" {
		format = formatJSON
	}
	if format != formatJSON && format != formatMarkdown {
		a.metrics.ToolCall(name, statusError)
		a.respond(w, r, http.StatusBadRequest, toolResponse{Status: statusError, Message: "response_format must be json or markdown"})
		return
	}

	res, err := t.run(a, ctx, req.Arguments)
	if err != nil {
		code, resp := a.toolError(name, err)
		a.metrics.ToolCall(name, statusError)
		a.respond(w, r, code, resp)
		return
	}

	a.metrics.ToolCall(name, res.status)
	resp := toolResponse{Status: res.status, Message: res.message}
	if format == formatMarkdown {
		resp.Content = res.markdown
	} else {
		resp.Data = res.data
	}
	code := http.StatusOK
	if res.status == statusQueued {
		code = http.StatusAccepted
	}
	a.respond(w, r, code, resp)
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, code int, resp toolResponse) {
	resp.RequestID = RequestIDFromContext(r.Context())
	writeJSON(w, code, resp)
}

// toolError maps domain errors to a status code and a message safe to return.
func (a *API) toolError(name string, err error) (int, toolResponse) {
	resp := toolResponse{Status: statusError}
	var capErr *faces.CapabilityError
	switch {
	case errors.As(err, &capErr):
		resp.Message = fmt.Sprintf("%s is unavailable while the system is %s", capErr.Operation, capErr.OverallStatus)
		resp.OverallStatus = capErr.OverallStatus
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, faces.ErrInvalidInput), errors.Is(err, errBadArguments):
		resp.Message = err.Error()
		return http.StatusBadRequest, resp
	case errors.Is(err, recognition.ErrNotFound):
		resp.Message = "user not found"
		return http.StatusNotFound, resp
	case errors.Is(err, recognition.ErrAlreadyExists):
		resp.Message = "user already registered"
		return http.StatusConflict, resp
	case errors.Is(err, recognition.ErrNoFace):
		resp.Message = "no face detected in image"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, recognition.ErrDimensionMismatch):
		resp.Message = "embedding does not match the registered profiles"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, recognition.ErrEngineFailure):
		resp.Message = "embedding engine failed"
		return http.StatusBadGateway, resp
	default:
		a.logger.Error("tool call failed", zap.String("tool", name), zap.Error(err))
		resp.Message = "internal error"
		return http.StatusInternalServerError, resp
	}
}

var errBadArguments = errors.New("invalid arguments")

func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadArguments, err)
	}
	return nil
}

type userArgs struct {
	UserID string `json:"user_id"`
}

func (u userArgs) validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", errBadArguments)
	}
	return nil
}

func (a *API) runRegister(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args faces.RegisterRequest
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	out, err := a.faces.Register(ctx, auth.ClientIDFromContext(ctx), args)
	if err != nil {
		return toolResult{}, err
	}
	if out.Status == faces.StatusQueued {
		msg := fmt.Sprintf("Registration for %s queued at position %d; it will be processed when the vector store recovers", args.Name, out.QueuePosition)
		return toolResult{
			status: statusQueued, message: msg, data: out,
			markdown: fmt.Sprintf("## Registration queued\n\n- **Name:** %s\n- **Queue position:** %d\n", mdText(args.Name), out.QueuePosition),
		}, nil
	}
	return toolResult{
		status: statusSuccess, message: fmt.Sprintf("Registered %s", args.Name), data: out,
		markdown: fmt.Sprintf("## Registration complete\n\n- **Name:** %s\n- **User ID:** %s\n", mdText(args.Name), mdCode(out.UserID)),
	}, nil
}

type recognizeArgs struct {
	Image []byte `json:"image"`
	Limit int    `json:"limit"`
}

func (a *API) runRecognize(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args recognizeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	out, err := a.faces.Recognize(ctx, auth.ClientIDFromContext(ctx), args.Image, args.Limit)
	if err != nil {
		return toolResult{}, err
	}
	if !out.Recognized {
		return toolResult{
			status: statusSuccess, message: "No matching face found", data: out,
			markdown: "## No match\n\nNo registered profile matched the image.\n",
		}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Recognized %s\n\n| User ID | Name | Confidence |\n|---|---|---|\n", mdText(out.Best.Name))
	for _, m := range out.Matches {
		fmt.Fprintf(&b, "| %s | %s | %.3f |\n", mdCode(m.UserID), mdText(m.Name), m.Confidence)
	}
	return toolResult{
		status:   statusSuccess,
		message:  fmt.Sprintf("Recognized %s (confidence %.3f)", out.Best.Name, out.Best.Confidence),
		data:     out,
		markdown: b.String(),
	}, nil
}

func (a *API) runProfile(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args userArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	if err := args.validate(); err != nil {
		return toolResult{}, err
	}
	p, err := a.faces.Profile(ctx, auth.ClientIDFromContext(ctx), args.UserID)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		status: statusSuccess, message: "Profile for " + p.UserID, data: p,
		markdown: profileMarkdown(p),
	}, nil
}

func profileMarkdown(p recognition.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n- **User ID:** %s\n- **Registered:** %s\n", mdText(p.Name), mdCode(p.UserID), p.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- **%s:** %s\n", mdText(k), mdText(fmt.Sprint(p.Metadata[k])))
	}
	return b.String()
}

func (a *API) runList(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return toolResult{}, err
	}
	profiles, err := a.faces.List(ctx, auth.ClientIDFromContext(ctx))
	if err != nil {
		return toolResult{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Registered users (%d)\n\n", len(profiles))
	if len(profiles) > 0 {
		b.WriteString("| User ID | Name |\n|---|---|\n")
		for _, p := range profiles {
			fmt.Fprintf(&b, "| %s | %s |\n", mdCode(p.UserID), mdText(p.Name))
		}
	}
	return toolResult{
		status:   statusSuccess,
		message:  fmt.Sprintf("%d registered users", len(profiles)),
		data:     map[string]any{"users": profiles, "count": len(profiles)},
		markdown: b.String(),
	}, nil
}

func (a *API) runDelete(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args userArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	if err := args.validate(); err != nil {
		return toolResult{}, err
	}
	if err := a.faces.Delete(ctx, auth.ClientIDFromContext(ctx), args.UserID); err != nil {
		return toolResult{}, err
	}
	return toolResult{
		status: statusSuccess, message: "Deleted user " + args.UserID,
		data:     map[string]any{"user_id": args.UserID, "deleted": true},
		markdown: fmt.Sprintf("User %s and their biometric data were deleted.\n", mdCode(args.UserID)),
	}, nil
}

type updateArgs struct {
	UserID string `json:"user_id"`
	faces.UpdateRequest
}

func (a *API) runUpdate(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args updateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	if err := (userArgs{UserID: args.UserID}).validate(); err != nil {
		return toolResult{}, err
	}
	p, err := a.faces.Update(ctx, auth.ClientIDFromContext(ctx), args.UserID, args.UpdateRequest)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		status: statusSuccess, message: "Updated user " + p.UserID, data: p,
		markdown: profileMarkdown(p),
	}, nil
}

func (a *API) runStats(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return toolResult{}, err
	}
	st, err := a.faces.Stats(ctx, auth.ClientIDFromContext(ctx))
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		status:  statusSuccess,
		message: fmt.Sprintf("%d profiles, %d queued registrations", st.Profiles, st.Queued),
		data:    st,
		markdown: fmt.Sprintf("## Statistics\n\n- **Profiles:** %d\n- **Embedding dimensions:** %d\n- **Queued registrations:** %d\n",
			st.Profiles, st.Dimensions, st.Queued),
	}, nil
}

type batchArgs struct {
	Entries []faces.RegisterRequest `json:"entries"`
}

func (a *API) runBatch(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	var args batchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return toolResult{}, err
	}
	out, err := a.faces.BatchEnroll(ctx, auth.ClientIDFromContext(ctx), args.Entries)
	if err != nil {
		return toolResult{}, err
	}
	status := statusSuccess
	if out.Succeeded == 0 && out.Queued > 0 {
		status = statusQueued
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Batch enrollment\n\n%d registered, %d queued, %d failed of %d\n\n| Name | Status | Detail |\n|---|---|---|\n",
		out.Succeeded, out.Queued, out.Failed, out.Total)
	for _, it := range out.Items {
		detail := it.UserID
		switch it.Status {
		case faces.StatusQueued:
			detail = fmt.Sprintf("position %d", it.QueuePosition)
		case faces.StatusFailed:
			detail = it.Error
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", mdText(it.Name), it.Status, mdText(detail))
	}
	return toolResult{
		status:   status,
		message:  fmt.Sprintf("%d registered, %d queued, %d failed", out.Succeeded, out.Queued, out.Failed),
		data:     out,
		markdown: b.String(),
	}, nil
}

func (a *API) runHealth(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return toolResult{}, err
	}
	s := a.faces.Health(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "## System %s\n\n| Component | Status | Message |\n|---|---|---|\n", s.OverallStatus)
	for _, n := range health.Components {
		c := s.Components[n]
		fmt.Fprintf(&b, "| %s | %s | %s |\n", n, c.Status, mdText(c.Message))
	}
	if s.DegradedMode.Active {
		fmt.Fprintf(&b, "\nDegraded mode is active; %d registrations queued.\n", s.DegradedMode.QueuedCount)
	}
	return toolResult{
		status:   statusSuccess,
		message:  "System " + s.OverallStatus,
		data:     s,
		markdown: b.String(),
	}, nil
}

func (a *API) runDrain(ctx context.Context, raw json.RawMessage) (toolResult, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return toolResult{}, err
	}
	out, err := a.faces.DrainQueue(ctx)
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		status:   statusSuccess,
		message:  fmt.Sprintf("Processed %d queued registrations, %d failed, %d retained", out.Processed, out.Failed, out.Retained),
		data:     out,
		markdown: fmt.Sprintf("## Queue drained\n\n- **Processed:** %d\n- **Failed:** %d\n- **Retained:** %d\n", out.Processed, out.Failed, out.Retained),
	}, nil
}

var mdEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"|", "\\|",
	"*", "\\*",
	"_", "\\_",
	"`", "\\`",
	"#", "\\#",
	"<", "&lt;",
	">", "&gt;",
	"\r\n", " ",
	"\n", " ",
	"\r", " ",
)

// mdText makes caller-supplied text safe inside a markdown line or table cell.
func mdText(s string) string { return mdEscaper.Replace(s) }

// mdCode renders s as an inline code span. Backticks and line breaks cannot
// be escaped inside a span, so they are replaced.
func mdCode(s string) string {
	s = strings.NewReplacer("`", "'", "|", "\\|", "\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	return "`" + s + "`"
}
