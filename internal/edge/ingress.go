package edge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/metrics"
	"github.com/a2rok/a2rok/internal/netutil"
	"github.com/a2rok/a2rok/internal/registry"
	"github.com/a2rok/a2rok/internal/relayproto"
)

func newCorrelationID() string {
	return uuid.NewString() + ":" + uuid.NewString()
}

func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request, label string) {
	rec, err := s.resolveDomain(r.Context(), label)
	if err != nil {
		if errors.Is(err, domain.ErrDomainNotFound) {
			s.metrics.ObserveRelay(metrics.OutcomeNotFound, 0)
			writeError(w, http.StatusNotFound, "No domain found")
			return
		}
		s.log.Error("domain lookup failed", "domain", label, "err", err)
		s.metrics.ObserveRelay(metrics.OutcomeError, 0)
		writeError(w, http.StatusInternalServerError, "Domain lookup unavailable")
		return
	}

	if err := s.admit(r.Context(), rec); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.metrics.ObserveRelay(metrics.OutcomeQuota, 0)
			s.log.Debug("request rejected", "domain", label, "owner_id", rec.OwnerID, "err", err)
			writeError(w, http.StatusTooManyRequests, "Request quota exceeded")
			return
		}
		s.log.Error("quota admission failed", "domain", label, "owner_id", rec.OwnerID, "err", err)
		s.metrics.ObserveRelay(metrics.OutcomeError, 0)
		writeError(w, http.StatusInternalServerError, "Quota check unavailable")
		return
	}

	conn, ok := s.registry.Lookup(label)
	if !ok {
		s.metrics.ObserveRelay(metrics.OutcomeNotConnected, 0)
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	id := newCorrelationID()
	req := buildSubdomainRequest(r, id, conn, body)
	resp, elapsed, err := s.relay(r.Context(), conn, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRelayTimeout):
			s.metrics.ObserveRelay(metrics.OutcomeTimeout, 0)
			s.log.Warn("relay timed out", "domain", label, "correlation_id", id)
			writeError(w, http.StatusGatewayTimeout, "Gateway timeout")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.metrics.ObserveRelay(metrics.OutcomeCancelled, 0)
		case errors.Is(err, domain.ErrRelayAbandoned):
			s.metrics.ObserveRelay(metrics.OutcomeAbandoned, 0)
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		default:
			s.metrics.ObserveRelay(metrics.OutcomeError, 0)
			s.log.Warn("relay failed", "domain", label, "correlation_id", id, "err", err)
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		}
		return
	}
	s.metrics.ObserveRelay(metrics.OutcomeOK, elapsed)
	s.writeRelayResponse(w, label, resp)
}

// relay opens the pending entry, counts the dispatch, sends the request
// over conn, and waits for the agent's reply.
func (s *Server) relay(ctx context.Context, conn *registry.Connection, req relayproto.SubdomainRequest) (relayproto.SubdomainResponse, time.Duration, error) {
	err := s.pending.Open(req.CorrelationID, conn.Domain, conn.SessionID, func() {
		s.registry.Completed(conn)
		s.metrics.InflightRequests.Dec()
	})
	if err != nil {
		return relayproto.SubdomainResponse{}, 0, &domain.RelayError{Domain: conn.Domain, Op: "open", Err: err}
	}
	s.metrics.InflightRequests.Inc()
	s.registry.Dispatched(conn)

	start := time.Now()
	env, err := relayproto.NewEnvelope(relayproto.TypeSubdomainRequest, req)
	if err == nil {
		err = conn.Socket.Send(env)
	}
	if err != nil {
		s.pending.Abandon(req.CorrelationID)
		return relayproto.SubdomainResponse{}, 0, &domain.RelayError{Domain: conn.Domain, Op: "dispatch", Err: errors.Join(domain.ErrDomainNotConnected, err)}
	}

	resp, err := s.pending.Await(ctx, req.CorrelationID, s.cfg.RequestTimeout)
	if err != nil {
		return relayproto.SubdomainResponse{}, 0, &domain.RelayError{Domain: conn.Domain, Op: "await", Err: err}
	}
	return resp, time.Since(start), nil
}

func (s *Server) resolveDomain(ctx context.Context, label string) (domain.DomainRecord, error) {
	if rec, found, cached := s.domains.get(label); cached {
		if !found {
			return domain.DomainRecord{}, domain.ErrDomainNotFound
		}
		return rec, nil
	}
	rec, err := s.directory.FindDomainOwner(ctx, label)
	if err != nil {
		if errors.Is(err, domain.ErrDomainNotFound) {
			s.domains.setMiss(label)
		}
		return domain.DomainRecord{}, err
	}
	s.domains.set(label, rec)
	return rec, nil
}

// admit consumes one unit of the owner's quota. It returns
// [domain.ErrQuotaExceeded] when none is left.
func (s *Server) admit(ctx context.Context, rec domain.DomainRecord) error {
	if _, ok := s.exempt[strings.ToLower(rec.OwnerID)]; ok {
		return nil
	}
	if _, ok := s.exempt[strings.ToLower(rec.OwnerEmail)]; ok && rec.OwnerEmail != "" {
		return nil
	}
	ok, err := s.quota.TryConsume(ctx, rec.OwnerID)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.RelayError{Domain: rec.Name, Op: "admit", Err: domain.ErrQuotaExceeded}
	}
	return nil
}

func buildSubdomainRequest(r *http.Request, id string, conn *registry.Connection, body []byte) relayproto.SubdomainRequest {
	headers := http.Header(relayproto.CloneHeaders(r.Header))
	netutil.RemoveHopByHopHeaders(headers)

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	} else if fwd := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); fwd == "https" {
		proto = fwd
	}

	return relayproto.SubdomainRequest{
		CorrelationID:    id,
		Domain:           conn.Domain,
		Port:             conn.Port,
		Protocol:         string(conn.Protocol),
		Link:             conn.Link,
		Method:           r.Method,
		Path:             r.URL.Path,
		URL:              r.URL.RequestURI(),
		Query:            r.URL.Query(),
		Headers:          headers,
		RawBody:          relayproto.EncodeBody(body),
		Body:             structuredBody(r.Header.Get("Content-Type"), body),
		OriginalHost:     r.Host,
		OriginalProtocol: proto,
		Secure:           proto == "https",
		IP:               netutil.ClientIP(r),
		Hostname:         netutil.NormalizeHost(r.Host),
		Timestamp:        relayproto.NowMillis(),
	}
}

// structuredBody returns a parsed view of JSON and form bodies so the agent
// can re-serialize them; other content types travel only as raw bytes.
func structuredBody(contentType string, body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if json.Valid(body) {
			return json.RawMessage(body)
		}
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return nil
		}
		return raw
	}
	return nil
}

func (s *Server) writeRelayResponse(w http.ResponseWriter, label string, resp relayproto.SubdomainResponse) {
	body, err := resp.BodyBytes()
	if err != nil {
		s.log.Warn("invalid reply body", "domain", label, "correlation_id", resp.CorrelationID, "err", err)
		writeError(w, http.StatusBadGateway, "Invalid response from agent")
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 999 {
		writeError(w, http.StatusBadGateway, "Invalid response from agent")
		return
	}

	headers := http.Header(relayproto.CloneHeaders(resp.Headers))
	netutil.RemoveHopByHopHeaders(headers)
	headers.Del("Content-Length")

	out := w.Header()
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	if out.Get("Content-Type") == "" && resp.ContentType != "" {
		out.Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
