package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/scitara-cto/dynamic-mcp-server/auth"
	"github.com/scitara-cto/dynamic-mcp-server/internal/engine"
	"github.com/scitara-cto/dynamic-mcp-server/internal/jsonrpc"
	"github.com/scitara-cto/dynamic-mcp-server/internal/logctx"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/sessions"
)

var _ http.Handler = (*StreamingHTTPHandler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	realm  string
}

// WithLogger sets the slog logger used by the handler. If not provided,
// logs are discarded.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithRealm sets the HTTP authentication realm advertised in
// WWW-Authenticate challenges. If empty (default), the realm attribute is
// omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// StreamingHTTPHandler serves the MCP streamable HTTP transport for one
// endpoint path.
type StreamingHTTPHandler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	serverURL *url.URL

	auth     auth.Authenticator
	eng      *engine.Engine
	sessions *sessions.Manager
	host     sessions.Host
	realm    string
}

// lockedWriteFlusher serializes concurrent writes/flushes to an SSE
// response and refuses writes after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint
//   - sm: the session manager
//   - host: the delivery backbone for server-to-client messages (the same
//     one the manager publishes through)
//   - eng: the protocol engine
//   - authenticator: bearer credential validator
func New(publicEndpoint string, sm *sessions.Manager, host sessions.Host, eng *engine.Engine, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if sm == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if host == nil {
		return nil, fmt.Errorf("session host is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		serverURL: mcpURL,
		auth:      authenticator,
		eng:       eng,
		sessions:  sm,
		host:      host,
		realm:     cfg.realm,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP accepts client-to-server JSON-RPC messages and establishes
// sessions.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type_unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "http.post.decode_failed", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported on this transport")
		h.log.WarnContext(ctx, "http.post.batch_forbidden")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "http.post.message_invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitializePost(ctx, w, userInfo, &msg, start)
		return
	}

	sess := h.resolveSession(ctx, w, sessID, userInfo)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:      sess.ID,
		UserEmail:      sess.UserEmail,
		ClientIdentity: sess.ClientIdentity,
		TransportKind:  string(sess.Kind),
		State:          string(sess.State),
	})

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if clientPV := r.Header.Get(mcpProtocolVersionHeader); clientPV != "" && clientPV != sess.ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	// Notifications and client responses are acknowledged without a body.
	if req := msg.AsRequest(); req == nil || req.ID.IsNil() {
		if _, err := h.eng.Handle(ctx, sess, &msg, nil); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.notification.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "http.post.accept_unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Progress notifications interleave with the eventual response on this
	// same SSE stream.
	send := func(sendCtx context.Context, note *jsonrpc.Request) error {
		b, err := json.Marshal(note)
		if err != nil {
			return err
		}
		return writeSSEEvent(wf, "", b)
	}

	res, err := h.eng.Handle(ctx, sess, &msg, send)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	if res == nil {
		h.log.WarnContext(ctx, "rpc.inbound.no_response")
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal_failed", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleInitializePost creates a session from an initialize request sent
// without a session header.
func (h *StreamingHTTPHandler) handleInitializePost(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params_invalid", slog.String("err", err.Error()))
		return
	}

	identity := sessions.DefaultClientIdentity
	if initReq.ClientInfo.Name != "" {
		identity = fmt.Sprintf("%s@%s", initReq.ClientInfo.Name, initReq.ClientInfo.Version)
	}
	sess, err := h.sessions.CreateSession(ctx, sessions.CreateParams{
		UserEmail:       userInfo.Email(),
		ClientIdentity:  identity,
		ProtocolVersion: mcp.LatestProtocolVersion,
		Kind:            sessions.TransportStreamableHTTP,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID, UserEmail: sess.UserEmail, ClientIdentity: sess.ClientIdentity,
	})

	resp, err := h.eng.Handle(ctx, sess, msg, nil)
	if err != nil || resp == nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.handle_fail")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write_fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGetMCP serves the server-to-client SSE stream for an established
// session, resuming after Last-Event-ID when the client reconnects.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.accept_unsupported")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess := h.resolveSession(ctx, w, sessID, userInfo)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:      sess.ID,
		UserEmail:      sess.UserEmail,
		ClientIdentity: sess.ClientIdentity,
		TransportKind:  string(sess.Kind),
		State:          string(sess.State),
	})

	lastEventID := r.Header.Get(lastEventIDHeader)

	// Register this stream's cancel function as the session's transport
	// release hook so a supersede or explicit delete tears the stream down
	// instead of leaving it open until the client disconnects.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	if !h.sessions.SetCloser(sess.ID, cancelStream) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.resolve.miss")
		return
	}
	wf.ctx = streamCtx

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	err := h.host.SubscribeSession(streamCtx, sess.ID, lastEventID, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := writeSSEEvent(wf, eventID, data); err != nil {
			return err
		}
		h.sessions.Touch(sess.ID)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleDeleteMCP terminates a session. The caller must own the session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	// Deleting a superseded session is fine; Get skips the authority check
	// Resolve performs.
	sess, ok := h.sessions.Get(sessID)
	if !ok || sess.UserEmail != userInfo.Email() {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	if err := h.sessions.Remove(ctx, sessID); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// resolveSession validates session ownership and authority, mapping session
// errors to HTTP statuses. A superseded session gets 409 with the
// distinguished reconnect message; anything else the caller cannot use is a
// plain 404.
func (h *StreamingHTTPHandler) resolveSession(ctx context.Context, w http.ResponseWriter, sessID string, userInfo auth.UserInfo) *sessions.Session {
	sess, err := h.sessions.Resolve(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionSuperseded) {
			writeJSONError(w, http.StatusConflict, sessions.ErrSessionSuperseded.Error())
			h.log.InfoContext(ctx, "session.resolve.superseded")
			return nil
		}
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.resolve.miss")
		return nil
	}
	// A session is only usable by the identity that created it.
	if sess.UserEmail != userInfo.Email() {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.WarnContext(ctx, "session.resolve.owner_mismatch")
		return nil
	}
	return sess
}

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	deny := func(ch auth.Challenge) {
		w.Header().Add(wwwAuthenticateHeader, ch.WWWAuthenticate)
		w.WriteHeader(ch.Status)
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		deny(auth.RequiredChallenge(h.realm))
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.malformed")
		deny(auth.MalformedHeaderChallenge(h.realm, "malformed bearer authorization header"))
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.empty_token")
		deny(auth.MalformedHeaderChallenge(h.realm, "empty bearer token"))
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrNoIdentity) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			deny(auth.InvalidTokenChallenge(h.realm, err.Error()))
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return userInfo
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
