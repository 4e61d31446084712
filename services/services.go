package services

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/skip2/go-qrcode"
)

// QRCodeService renders BIP21 payment requests as PNG QR codes.
type QRCodeService struct {
	size int
}

// NewQRCodeService creates a new QR code service
func NewQRCodeService() *QRCodeService {
	return &QRCodeService{size: 256}
}

// PaymentURI builds a BIP21 URI for address. A non-positive amount leaves the
// amount out so the payer chooses it.
func PaymentURI(address string, amountSats int64, label string) string {
	q := url.Values{}
	if amountSats > 0 {
		q.Set("amount", strconv.FormatFloat(btcutil.Amount(amountSats).ToBTC(), 'f', -1, 64))
	}
	if label != "" {
		q.Set("label", label)
	}
	uri := "bitcoin:" + address
	if enc := q.Encode(); enc != "" {
		uri += "?" + enc
	}
	return uri
}

// GenerateQRCode renders a top-up request for the escrow address.
func (s *QRCodeService) GenerateQRCode(address string, amountSats int64) ([]byte, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}
	qr, err := qrcode.New(PaymentURI(address, amountSats, "escrow top-up"), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(s.size)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthResponse is the body served on the health endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp int64             `json:"timestamp"`
}

// Healthy reports whether every check passed.
func (h HealthResponse) Healthy() bool { return h.Status == "healthy" }

// HealthService runs the registered dependency checks.
type HealthService struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthService creates a new health service
func NewHealthService() *HealthService {
	return &HealthService{checks: make(map[string]HealthCheck), timeout: 3 * time.Second}
}

// Register adds a named check. A nil check is ignored.
func (s *HealthService) Register(name string, check HealthCheck) {
	if check == nil {
		return
	}
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// GetHealthStatus runs every check concurrently under one timeout.
func (s *HealthService) GetHealthStatus(ctx context.Context) HealthResponse {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			results[i] = check(ctx)
		}(i, check)
	}
	wg.Wait()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(names)), Timestamp: time.Now().Unix()}
	for i, name := range names {
		if results[i] != nil {
			resp.Status = "degraded"
			resp.Checks[name] = results[i].Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	return resp
}
