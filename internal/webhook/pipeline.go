package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/metrics"
	"inbound-mail-webhooks-go/internal/model"
)

// TenantSource supplies the verification candidates for a request.
type TenantSource interface {
	Candidates(ctx context.Context) ([]model.Tenant, error)
}

// Provider is one configured webhook sender.
type Provider struct {
	Name            string
	SignatureHeader string
}

// PipelineConfig holds the request-independent settings of a Pipeline.
type PipelineConfig struct {
	Environment        string
	RejectUnverifiedIn []string
	BatchConcurrency   int
}

// Pipeline runs parse, classify, verify, normalize and batch processing for
// one request. It is built once at startup and shared by all requests.
type Pipeline struct {
	parser  *Parser
	batch   *BatchProcessor
	tenants TenantSource
	cfg     PipelineConfig
	metrics *metrics.Metrics
}

func NewPipeline(cfg PipelineConfig, tenants TenantSource, processor EmailProcessor, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		parser:  NewParser(),
		batch:   NewBatchProcessor(processor, cfg.BatchConcurrency, m),
		tenants: tenants,
		cfg:     cfg,
		metrics: m,
	}
}

// Handle processes one webhook delivery and decides the response. It never
// panics; unexpected failures are acknowledged with a 200.
func (p *Pipeline) Handle(ctx context.Context, provider Provider, raw RawRequest) (resp Response) {
	start := time.Now()
	log := LoggerFrom(ctx).WithField("provider", provider.Name)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Recovered from panic while handling webhook")
			resp = Respond(Result{Failure: fmt.Errorf("internal error: %v", r)})
		}
		p.metrics.ObserveRequest(provider.Name, resp.Outcome, time.Since(start))
	}()

	result := p.run(WithLogger(ctx, log), provider, raw)
	resp = Respond(result)

	log.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"outcome": resp.Outcome,
	}).Info("Webhook handled")
	return resp
}

func (p *Pipeline) run(ctx context.Context, provider Provider, raw RawRequest) Result {
	log := LoggerFrom(ctx)

	body, err := p.parser.Parse(raw)
	if err != nil {
		var empty *EmptyBodyError
		if errors.As(err, &empty) && strings.Contains(raw.UserAgent(), "Mandrill") {
			log.Info("Empty body from Mandrill user agent, treating as empty event list")
			return Result{EmptyList: true}
		}
		log.WithError(err).Warn("Failed to parse webhook body")
		return Result{ParseErr: err}
	}
	log = log.WithFields(logrus.Fields{"strategy": body.Strategy, "kind": body.Kind.String()})

	if IsPing(body) {
		return Result{Ping: true}
	}
	if IsEmptyList(body) {
		return Result{EmptyList: true}
	}

	verification, err := p.verify(ctx, provider, raw, body)
	if err != nil {
		return Result{Failure: err}
	}

	policy := VerificationPolicy{
		Provider:           provider.Name,
		Environment:        p.cfg.Environment,
		RejectUnverifiedIn: p.cfg.RejectUnverifiedIn,
	}
	if err := policy.Check(verification); err != nil {
		log.WithError(err).Warn("Rejecting webhook with invalid signature")
		return Result{AuthErr: err}
	}

	if verification.Tenant != nil {
		log = log.WithField("tenant", verification.Tenant.Name)
	} else if verification.SignaturePresent {
		log.Warn("Webhook signature matched no tenant, continuing unattributed")
	}

	outcome := p.batch.Process(WithLogger(ctx, log), body.Events(), verification.Tenant)
	return Result{Batch: &outcome}
}

func (p *Pipeline) verify(ctx context.Context, provider Provider, raw RawRequest, body ParsedBody) (VerificationResult, error) {
	header := provider.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	signature := raw.Header(header)
	if strings.TrimSpace(signature) == "" {
		p.metrics.ObserveSignature("absent")
		return VerificationResult{}, nil
	}

	tenants, err := p.tenants.Candidates(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("failed to load tenants: %w", err)
	}

	result := Verify(signature, raw.URL, body, tenants)
	if result.Verified {
		p.metrics.ObserveSignature("verified")
	} else {
		p.metrics.ObserveSignature("unverified")
	}
	return result, nil
}

// Reject answers a delivery whose body could not be read at all.
func (p *Pipeline) Reject(ctx context.Context, provider Provider, err error) Response {
	start := time.Now()
	LoggerFrom(ctx).WithField("provider", provider.Name).WithError(err).Warn("Failed to read webhook body")

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		err = &ParseError{Cause: err}
	}
	resp := Respond(Result{ParseErr: err})
	p.metrics.ObserveRequest(provider.Name, resp.Outcome, time.Since(start))
	return resp
}
