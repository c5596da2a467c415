package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/custody"
	"github.com/ecosign/ecocert/pkg/observability"
	"github.com/ecosign/ecocert/pkg/policy"
	"github.com/ecosign/ecocert/pkg/receipt"
	"github.com/ecosign/ecocert/pkg/verifier"
)

// Verifier is the verification engine as seen by the server.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Report, error)
}

// Options configures a Server. Only Verifier is required.
type Options struct {
	Verifier      Verifier
	Custody       custody.Log
	Receipts      *receipt.Issuer
	Policy        *policy.Policy
	Telemetry     *observability.Provider
	Logger        *slog.Logger
	Timeout       time.Duration
	MaxUpload     int64
	RatePerSecond float64
	Burst         int
	TrustProxy    bool
}

// VerifyResponse is the body of POST /v1/verify.
type VerifyResponse struct {
	Report   *verifier.Report `json:"report"`
	Receipt  string           `json:"receipt,omitempty"`
	Accepted *bool            `json:"accepted,omitempty"`
	Policy   string           `json:"policy,omitempty"`
}

// AppendEventRequest is the body of POST /v1/documents/{id}/events.
type AppendEventRequest struct {
	EventType custody.EventType `json:"event_type"`
	Actor     *custody.Actor    `json:"actor,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *RateLimiter
	ipOf    func(*http.Request) string
}

func NewServer(opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("api: verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "api")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 64 << 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	s := &Server{opts: opts, logger: opts.Logger, ipOf: remoteIP}
	if opts.TrustProxy {
		s.ipOf = forwardedIP
	}
	s.limiter = NewRateLimiter(opts.RatePerSecond, opts.Burst, s.ipOf)
	return s, nil
}

// Limiter exposes the rate limiter so the caller can run its sweeper.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Handler returns the routed, rate-limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/verify", s.limiter.Middleware(s.track("verify", s.handleVerify)))
	mux.Handle("GET /v1/documents/{id}/events", s.limiter.Middleware(s.track("events.list", s.handleListEvents)))
	mux.Handle("POST /v1/documents/{id}/events", s.limiter.Middleware(s.track("events.append", s.handleAppendEvent)))
	return withRequestID(mux)
}

// track wraps h in a telemetry span when a provider is configured.
func (s *Server) track(route string, h func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Telemetry == nil {
			_ = h(w, r)
			return
		}
		ctx, done := s.opts.Telemetry.StartRequest(r.Context(), route)
		done(h(w, r.WithContext(ctx)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		WriteBadRequest(w, r, "expected multipart/form-data with an 'ecox' part")
		return err
	}

	var (
		certBytes []byte
		original  []byte
		hasOrig   bool
		assetID   string
		docID     string
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.uploadError(w, r, err)
		}
		switch part.FormName() {
		case "ecox", "certificate":
			certBytes, err = readPart(part, certificate.MaxContainerSize+1)
		case "original":
			original, err = io.ReadAll(part)
			hasOrig = true
		case "asset_id":
			var b []byte
			b, err = readPart(part, 256)
			assetID = string(b)
		case "document_id":
			var b []byte
			b, err = readPart(part, 256)
			docID = string(b)
		}
		_ = part.Close()
		if err != nil {
			return s.uploadError(w, r, err)
		}
	}
	if len(certBytes) == 0 {
		WriteBadRequest(w, r, "missing 'ecox' certificate part")
		return errors.New("missing certificate")
	}

	req := verifier.Request{Certificate: certBytes, AssetID: assetID, DocumentID: docID}
	if hasOrig {
		req.Original = bytes.NewReader(original)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	defer cancel()
	rep, err := s.opts.Verifier.Verify(ctx, req)
	if err != nil {
		if verifier.IsCancelled(err) {
			WriteError(w, r, http.StatusGatewayTimeout, "verification did not complete in time")
			return err
		}
		WriteInternal(w, r, s.logger, err)
		return err
	}

	resp := VerifyResponse{Report: rep}
	if s.opts.Policy != nil {
		ok, err := s.opts.Policy.Accept(rep)
		if err != nil {
			WriteInternal(w, r, s.logger, fmt.Errorf("acceptance policy: %w", err))
			return err
		}
		resp.Accepted = &ok
		resp.Policy = s.opts.Policy.String()
	}
	if s.opts.Receipts != nil {
		if resp.Receipt, err = s.opts.Receipts.Issue(rep); err != nil {
			WriteInternal(w, r, s.logger, fmt.Errorf("issue receipt: %w", err))
			return err
		}
	}

	s.recordVerified(r, rep)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// recordVerified appends a "verified" custody event. A failed append is
// logged and never changes the response.
func (s *Server) recordVerified(r *http.Request, rep *verifier.Report) {
	if s.opts.Custody == nil || rep.DocumentID == "" {
		return
	}
	_, err := s.opts.Custody.Append(r.Context(), custody.NewEvent{
		DocumentID: rep.DocumentID,
		Type:       custody.EventVerified,
		IPAddress:  s.ipOf(r),
		Metadata: map[string]any{
			"verdict":       string(rep.Verdict),
			"manifest_hash": rep.ManifestHash,
			"user_agent":    r.UserAgent(),
		},
	})
	if err != nil {
		s.logger.WarnContext(r.Context(), "failed to record verification in custody log", "document_id", rep.DocumentID, "error", err)
	}
}

func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return err
	}
	if errors.Is(err, errPartTooLarge) {
		WriteError(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return err
	}
	WriteBadRequest(w, r, "malformed multipart body")
	return err
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) error {
	if s.opts.Custody == nil {
		WriteError(w, r, http.StatusNotImplemented, "custody log is not configured")
		return errors.New("custody not configured")
	}
	id := r.PathValue("id")
	events, err := s.opts.Custody.LoadEvents(r.Context(), id)
	if err != nil {
		s.logger.WarnContext(r.Context(), "custody log unavailable", "document_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, custody.BuildTrail(id, events, err))
	return nil
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) error {
	if s.opts.Custody == nil {
		WriteError(w, r, http.StatusNotImplemented, "custody log is not configured")
		return errors.New("custody not configured")
	}
	var body AppendEventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		WriteBadRequest(w, r, "invalid event body: "+err.Error())
		return err
	}
	ev, err := s.opts.Custody.Append(r.Context(), custody.NewEvent{
		DocumentID: r.PathValue("id"),
		Type:       body.EventType,
		Actor:      body.Actor,
		IPAddress:  s.ipOf(r),
		Metadata:   body.Metadata,
	})
	if err != nil {
		if errors.Is(err, custody.ErrInvalidEvent) {
			WriteBadRequest(w, r, err.Error())
			return err
		}
		WriteInternal(w, r, s.logger, err)
		return err
	}
	writeJSON(w, http.StatusCreated, ev)
	return nil
}

var errPartTooLarge = errors.New("form part too large")

func readPart(p *multipart.Part, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(p, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %q", errPartTooLarge, p.FormName())
	}
	return b, nil
}
