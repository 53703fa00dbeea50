package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"keyreg/internal/clients"
	"keyreg/internal/config"
	"keyreg/internal/metrics"
	"keyreg/internal/registry"
)

const defaultBasePath = "/svc/"

// Gateway forwards client calls to a cloud service using the key group the
// registry assigned to it. The service is initialized on first use.
type Gateway struct {
	Registry  *registry.Registry
	Endpoints clients.EndpointSource
	// Token, when set, must be presented as a bearer token by callers.
	Token     string
	BasePath  string
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := g.getLogger()
	rec := &statusRecorder{ResponseWriter: w}
	r, requestID := withRequestID(r)
	rec.Header().Set(RequestIDHeader, requestID)

	start := time.Now()
	var (
		service    string
		group      string
		errMessage string

		// Only configured services become metric labels.
		metricService string
	)

	defer func() {
		status := rec.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("service", service),
			zap.String("group", group),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if errMessage != "" {
			fields = append(fields, zap.String("error", errMessage))
		}
		metrics.ObserveRequest(metricService, status, time.Since(start))
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}()

	if err := g.authorize(r); err != nil {
		errMessage = err.Error()
		writeJSONError(rec, http.StatusUnauthorized, errMessage)
		return
	}

	var (
		rest string
		err  error
	)
	service, rest, err = extractService(r.URL.Path, g.basePath())
	if err != nil {
		errMessage = err.Error()
		writeJSONError(rec, http.StatusNotFound, errMessage)
		return
	}

	if g.Registry == nil || g.Endpoints == nil {
		errMessage = config.ErrConfigNotLoaded.Error()
		writeJSONError(rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	ep, err := g.Endpoints.Endpoint(service)
	if err != nil {
		errMessage = err.Error()
		if errors.Is(err, config.ErrEndpointNotFound) {
			writeJSONError(rec, http.StatusNotFound, errMessage)
		} else {
			writeJSONError(rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		return
	}
	metricService = service

	assignment := g.Registry.InitializeService(r.Context(), service)
	group = assignment.Group
	if assignment.Status != registry.StatusActive {
		errMessage = assignment.Error
		writeJSONError(rec, http.StatusServiceUnavailable, fmt.Sprintf("service %s unavailable: %s", service, assignment.Error))
		return
	}
	keyGroup, ok := g.Registry.ActiveGroup(service)
	if !ok {
		errMessage = "assignment not active"
		writeJSONError(rec, http.StatusServiceUnavailable, errMessage)
		return
	}

	target, err := url.Parse(ep.BaseURL)
	if err != nil {
		errMessage = fmt.Sprintf("invalid base url: %v", err)
		writeJSONError(rec, http.StatusInternalServerError, "invalid upstream configuration")
		return
	}

	reqLogger := logger.With(
		zap.String("request_id", requestID),
		zap.String("service", service),
		zap.String("group", group),
	)
	g.buildProxy(target, ep.Auth, keyGroup.Key, rest, reqLogger, &errMessage).ServeHTTP(rec, r)
}

func (g *Gateway) authorize(r *http.Request) error {
	if g.Token == "" {
		return nil
	}
	token, err := extractBearer(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.Token)) != 1 {
		return errors.New("invalid gateway token")
	}
	return nil
}

func (g *Gateway) basePath() string {
	if g.BasePath == "" {
		return defaultBasePath
	}
	if strings.HasSuffix(g.BasePath, "/") {
		return g.BasePath
	}
	return g.BasePath + "/"
}

func extractService(path, base string) (service, rest string, err error) {
	trimmed, ok := strings.CutPrefix(path, base)
	if !ok {
		return "", "", errors.New("path not handled")
	}
	service, rest, _ = strings.Cut(trimmed, "/")
	if service == "" {
		return "", "", errors.New("service name missing")
	}
	return service, rest, nil
}

func extractBearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", errors.New("unsupported authorization scheme")
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func (g *Gateway) buildProxy(target *url.URL, auth *config.AuthConfig, key, rest string, logger *zap.Logger, errMsg *string) *httputil.ReverseProxy {
	rewrite := func(pr *httputil.ProxyRequest) {
		out := pr.Out
		out.URL.Scheme = target.Scheme
		out.URL.Host = target.Host
		out.Host = target.Host
		out.URL.Path = clients.JoinPath(target.Path, rest)
		out.URL.RawPath = ""
		out.URL.RawQuery = mergeQuery(target.RawQuery, pr.In.URL.RawQuery)

		// Callers authenticate to us, never to the cloud service.
		out.Header.Del("Authorization")
		out.Header.Del(RequestIDHeader)
		clients.ApplyKey(out, auth, key)
	}

	proxy := &httputil.ReverseProxy{Rewrite: rewrite, FlushInterval: -1}
	if g.Transport != nil {
		proxy.Transport = g.Transport
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		err = redactProxyError(err)
		*errMsg = fmt.Sprintf("proxy error: %v", err)
		logger.Warn("upstream proxy error", zap.Error(err))
		writeJSONError(rw, http.StatusBadGateway, "upstream request failed")
	}
	return proxy
}

func mergeQuery(baseRaw, reqRaw string) string {
	values := url.Values{}
	for _, raw := range []string{baseRaw, reqRaw} {
		if raw == "" {
			continue
		}
		parsed, err := url.ParseQuery(raw)
		if err != nil {
			continue
		}
		for k, vs := range parsed {
			for _, v := range vs {
				values.Add(k, v)
			}
		}
	}
	// A caller must not be able to pick the key parameter.
	values.Del(config.DefaultAuthName)
	return values.Encode()
}

func redactProxyError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func (g *Gateway) getLogger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
