package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/netutil"
	"github.com/a2rok/a2rok/internal/relayproto"
)

// Forward replays a relayed request against the local service and returns
// the reply envelope. Local failures produce a synthetic 500 so the edge
// always receives a terminal reply.
func (a *Agent) Forward(ctx context.Context, req relayproto.SubdomainRequest) relayproto.SubdomainResponse {
	started := time.Now()
	resp, err := a.forward(ctx, req)
	if err != nil {
		err = &domain.RelayError{Domain: req.Domain, Op: "forward", Err: errors.Join(domain.ErrLocalDispatchFailure, err)}
		a.log.Warn("local request failed", "method", req.Method, "path", req.Path, "err", err)
		resp = dispatchFailure(req, err)
	}
	a.stats.request(RequestRecord{
		Method:   req.Method,
		Path:     req.Path,
		Status:   resp.Status,
		Duration: time.Since(started),
		At:       started,
	})
	a.log.Info("request forwarded", "method", req.Method, "path", req.Path, "status", resp.Status, "duration", time.Since(started).Round(time.Millisecond).String())
	return resp
}

func (a *Agent) forward(ctx context.Context, req relayproto.SubdomainRequest) (relayproto.SubdomainResponse, error) {
	target, err := a.localTarget(req)
	if err != nil {
		return relayproto.SubdomainResponse{}, err
	}

	headers := http.Header(relayproto.CloneHeaders(req.Headers))
	body, err := requestBody(req, headers.Get("Content-Type"))
	if err != nil {
		return relayproto.SubdomainResponse{}, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	localReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return relayproto.SubdomainResponse{}, err
	}
	netutil.RemoveHopByHopHeaders(headers)
	headers.Del("Host")
	headers.Del("Content-Length")
	setForwardedHeaders(headers, req)
	localReq.Header = headers

	resp, err := a.fwdClient.Do(localReq)
	if err != nil {
		return relayproto.SubdomainResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, localResponseMaxBytes+1))
	if err != nil {
		return relayproto.SubdomainResponse{}, fmt.Errorf("read local response: %w", err)
	}
	if len(payload) > localResponseMaxBytes {
		return relayproto.SubdomainResponse{}, errors.New("local response too large")
	}

	respHeaders := http.Header(relayproto.CloneHeaders(resp.Header))
	netutil.RemoveHopByHopHeaders(respHeaders)
	respHeaders.Del("Content-Length")

	out := relayproto.SubdomainResponse{
		CorrelationID: req.CorrelationID,
		Domain:        req.Domain,
		Port:          req.Port,
		Status:        resp.StatusCode,
		StatusText:    http.StatusText(resp.StatusCode),
		Headers:       respHeaders,
		ContentType:   resp.Header.Get("Content-Type"),
	}
	out.Body, out.IsBase64 = classifyBody(out.ContentType, resp.Header.Get("Content-Encoding"), payload)
	return out, nil
}

// localTarget resolves the local URL for req. HTTP agents use their port;
// websocket agents fall back to the host of their link.
func (a *Agent) localTarget(req relayproto.SubdomainRequest) (string, error) {
	path := req.URL
	if path == "" {
		path = req.Path
		if len(req.Query) > 0 {
			path += "?" + url.Values(req.Query).Encode()
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	port := req.Port
	if port <= 0 {
		port = a.cfg.LocalPort
	}
	if port > 0 {
		return "http://127.0.0.1:" + strconv.Itoa(port) + path, nil
	}

	link := req.Link
	if link == "" {
		link = a.cfg.Link
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", errors.New("no local port or link configured")
	}
	scheme := "http"
	if strings.EqualFold(u.Scheme, "wss") {
		scheme = "https"
	}
	return scheme + "://" + u.Host + path, nil
}

// requestBody prefers the raw captured bytes for multipart and binary
// content and re-serializes the structured body for JSON and forms.
func requestBody(req relayproto.SubdomainRequest, contentType string) ([]byte, error) {
	raw, err := relayproto.DecodeBody(req.RawBody)
	if err != nil {
		return nil, fmt.Errorf("decode raw body: %w", err)
	}
	if len(req.Body) == 0 || string(req.Body) == "null" {
		return raw, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if json.Valid(req.Body) {
			return []byte(req.Body), nil
		}
	case mediaType == "application/x-www-form-urlencoded":
		var values url.Values
		if err := json.Unmarshal(req.Body, &values); err == nil {
			return []byte(values.Encode()), nil
		}
	}
	return raw, nil
}

// setForwardedHeaders derives x-forwarded-host/proto/port from Origin when
// present, otherwise from the public host the edge saw.
func setForwardedHeaders(h http.Header, req relayproto.SubdomainRequest) {
	host, proto := req.OriginalHost, req.OriginalProtocol
	if origin := h.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			host, proto = u.Host, u.Scheme
		}
	}
	if proto == "" {
		proto = "http"
		if req.Secure {
			proto = "https"
		}
	}
	if host == "" {
		return
	}
	var port string
	if _, p, err := net.SplitHostPort(host); err == nil {
		port = p
	} else if proto == "https" {
		port = "443"
	} else {
		port = "80"
	}
	h.Set("X-Forwarded-Host", host)
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Port", port)
}

// classifyBody encodes a local reply body as a JSON value, a JSON string,
// or base64 bytes.
func classifyBody(contentType, contentEncoding string, payload []byte) (json.RawMessage, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	encoded := contentEncoding != "" && !strings.EqualFold(contentEncoding, "identity")
	if !encoded {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		if (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")) && json.Valid(payload) {
			return json.RawMessage(payload), false
		}
		if isTextMediaType(mediaType) && utf8.Valid(payload) {
			if s, err := json.Marshal(string(payload)); err == nil {
				return s, false
			}
		}
	}
	s, _ := json.Marshal(relayproto.EncodeBody(payload))
	return s, true
}

func isTextMediaType(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/javascript", "application/xml", "application/x-www-form-urlencoded", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(mediaType, "+xml")
}

func dispatchFailure(req relayproto.SubdomainRequest, err error) relayproto.SubdomainResponse {
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"message": "Local service unavailable",
		"error":   err.Error(),
	})
	return relayproto.SubdomainResponse{
		CorrelationID: req.CorrelationID,
		Domain:        req.Domain,
		Port:          req.Port,
		Status:        http.StatusInternalServerError,
		StatusText:    http.StatusText(http.StatusInternalServerError),
		Headers:       map[string][]string{"Content-Type": {"application/json"}},
		Body:          body,
		ContentType:   "application/json",
	}
}
