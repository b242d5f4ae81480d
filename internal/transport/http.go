package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/protocol"
)

const (
	// DefaultRequestTimeout is the default HTTP request timeout
	DefaultRequestTimeout = 10 * time.Second

	// ContentType is the media type of encoded envelopes over HTTP
	ContentType = "application/json"

	// maxBodySize bounds request and response bodies
	maxBodySize = 1 << 20
)

// HTTPRequester sends unicast requests (Get, directed Probe and Resolve) as
// HTTP POSTs of the encoded envelope.
type HTTPRequester struct {
	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	// Username for HTTP Basic Auth (empty disables auth)
	Username string

	// Password for HTTP Basic Auth
	Password string

	// UserAgent is sent with every request when set
	UserAgent string

	codec  protocol.Codec
	logger *zap.Logger
}

// NewHTTPRequester creates a requester. A zero timeout selects
// DefaultRequestTimeout.
func NewHTTPRequester(codec protocol.Codec, timeout time.Duration, logger *zap.Logger) *HTTPRequester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRequester{
		HTTPClient: &http.Client{Timeout: timeout},
		codec:      codec,
		logger:     logger,
	}
}

// SetAuth sets HTTP Basic Auth credentials
func (r *HTTPRequester) SetAuth(username, password string) {
	r.Username = username
	r.Password = password
}

// Request posts msg to xaddr and decodes the reply. A fault reply is
// returned together with the matching error; 401 and 403 become
// authorization faults.
func (r *HTTPRequester) Request(ctx context.Context, xaddr protocol.XAddress, msg *protocol.Message) (*protocol.Message, error) {
	conn := protocol.ConnectionInfo{
		Transport: protocol.TransportHTTP,
		Remote:    xaddr.URL,
		Version:   xaddr.Version,
	}

	body, err := r.codec.Encode(msg, conn)
	if err != nil {
		return nil, protocol.NewCodecError("failed to encode "+msg.Type.String(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, xaddr.URL, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewTransmissionError(xaddr.URL, err)
	}
	req.Header.Set("Content-Type", ContentType)
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	if r.Username != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, protocol.ClassifyNetworkError(err, xaddr.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, protocol.NewFaultError(&protocol.Fault{
			Code:    protocol.FaultCodeSender,
			Subcode: protocol.FaultSubcodeAuthorizationFailed,
			Reason:  fmt.Sprintf("HTTP %d", resp.StatusCode),
		}, xaddr.URL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, protocol.NewTransmissionError(xaddr.URL, err)
	}
	if len(data) == 0 {
		return nil, &protocol.CommError{
			Type:      protocol.ErrTypeTransmission,
			Message:   fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Address:   xaddr.URL,
			Retryable: true,
		}
	}

	reply, err := r.codec.Decode(data, conn)
	if err != nil {
		codecErr := protocol.NewCodecError("failed to decode reply", err)
		codecErr.Address = xaddr.URL
		codecErr.Retryable = true
		return nil, codecErr
	}

	if reply.Type == protocol.TypeFault {
		return reply, protocol.NewFaultError(reply.Fault, xaddr.URL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &protocol.CommError{
			Type:      protocol.ErrTypeTransmission,
			Message:   fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Address:   xaddr.URL,
			Retryable: true,
		}
	}

	r.logger.Debug("Request answered",
		zap.Stringer("request", msg),
		zap.Stringer("reply", reply),
		zap.String("xaddr", xaddr.URL),
	)
	return reply, nil
}

// ResponderFunc answers one unicast request. Returning nil means the
// request is not served here.
type ResponderFunc func(ctx context.Context, req *protocol.Message) *protocol.Message

// HTTPHandler serves unicast requests for local devices.
type HTTPHandler struct {
	codec   protocol.Codec
	respond ResponderFunc
	logger  *zap.Logger
}

// NewHTTPHandler creates a handler answering requests with respond.
func NewHTTPHandler(codec protocol.Codec, respond ResponderFunc, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{codec: codec, respond: respond, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	status := h.serve(w, req)
	logging.LogHTTPRequest(h.logger, req.RemoteAddr, req.Method, req.URL.Path, status)
}

func (h *HTTPHandler) serve(w http.ResponseWriter, req *http.Request) int {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	conn := protocol.ConnectionInfo{
		Transport: protocol.TransportHTTP,
		Local:     req.Host,
		Remote:    req.RemoteAddr,
	}
	msg, err := h.codec.Decode(data, conn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}

	reply := h.respond(req.Context(), msg)
	if reply == nil {
		http.Error(w, "no such endpoint", http.StatusNotFound)
		return http.StatusNotFound
	}

	out, err := h.codec.Encode(reply, conn)
	if err != nil {
		h.logger.Error("Failed to encode reply", zap.Stringer("reply", reply), zap.Error(err))
		http.Error(w, "failed to encode reply", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	status := http.StatusOK
	if reply.Type == protocol.TypeFault {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(out)
	return status
}
