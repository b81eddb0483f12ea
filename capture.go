package segmentz

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// awsMiddlewareID names the finalize step added to AWS SDK stacks.
const awsMiddlewareID = "segmentz.CaptureAWS"

// CaptureClient returns client instrumented so every call it makes is
// recorded as a subsegment of the current segment. Supported clients are
// *http.Client, http.RoundTripper, *resty.Client, *retryablehttp.Client,
// aws.Config and *aws.Config; anything else is returned unchanged.
//
// *http.Client and aws.Config are copied; the other clients are modified in place.
func CaptureClient[T any](t *Tracer, client T) T {
	var wrapped any
	switch c := any(client).(type) {
	case *http.Client:
		wrapped = t.CaptureHTTPClient(c)
	case *resty.Client:
		c.SetTransport(t.CaptureRoundTripper(c.GetClient().Transport))
		wrapped = c
	case *retryablehttp.Client:
		c.HTTPClient = t.CaptureHTTPClient(c.HTTPClient)
		wrapped = c
	case *aws.Config:
		t.CaptureAWSConfig(c)
		wrapped = c
	case aws.Config:
		t.CaptureAWSConfig(&c)
		wrapped = c
	case http.RoundTripper:
		wrapped = t.CaptureRoundTripper(c)
	}

	if out, ok := wrapped.(T); ok {
		return out
	}
	t.logger.Debug("client not instrumented", zap.String("type", fmt.Sprintf("%T", client)))
	return client
}

// CaptureHTTPClient returns a copy of c whose transport records subsegments.
// A nil client is treated as &http.Client{}.
func (t *Tracer) CaptureHTTPClient(c *http.Client) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	out := *c
	out.Transport = t.CaptureRoundTripper(c.Transport)
	return &out
}

// CaptureRoundTripper wraps next, defaulting to http.DefaultTransport.
func (t *Tracer) CaptureRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if rt, ok := next.(*roundTripper); ok && rt.tracer == t {
		return rt
	}
	return &roundTripper{tracer: t, next: next}
}

// CaptureAWSConfig adds a finalize step to every client built from cfg.
func (t *Tracer) CaptureAWSConfig(cfg *aws.Config) {
	cfg.APIOptions = append(slices.Clone(cfg.APIOptions), t.addAWSMiddleware)
}

// remoteSubsegment opens a subsegment for an outbound call, nil when the call
// should not be traced.
func (t *Tracer) remoteSubsegment(ctx context.Context, name, namespace string) *Segment {
	if !t.IsTracingEnabled() {
		return nil
	}
	parent := t.segmentFor(ctx)
	if parent == nil {
		return nil
	}
	sub := parent.AddNewSubsegment(name)
	sub.SetNamespace(namespace)
	return sub
}

type roundTripper struct {
	tracer *Tracer
	next   http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	sub := rt.tracer.remoteSubsegment(req.Context(), req.URL.Hostname(), "remote")
	if sub == nil {
		return rt.next.RoundTrip(req)
	}
	defer sub.Close()

	out := req.Clone(req.Context())
	out.Header.Set(HTTPHeader, TraceHeader{Root: sub.TraceID(), Parent: sub.ID(), Sampled: true}.String())
	sub.SetHTTPRequest(req.Method, req.URL.String())

	resp, err := rt.next.RoundTrip(out)
	if err != nil {
		sub.addException(err, true)
		return nil, err
	}
	sub.SetHTTPResponse(resp.StatusCode)
	return resp, nil
}

func (t *Tracer) addAWSMiddleware(stack *middleware.Stack) error {
	return stack.Finalize.Add(middleware.FinalizeMiddlewareFunc(awsMiddlewareID, t.handleAWSFinalize), middleware.After)
}

func (t *Tracer) handleAWSFinalize(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
	name := awsmiddleware.GetServiceID(ctx)
	if name == "" {
		name = "aws"
	}
	sub := t.remoteSubsegment(ctx, name, "aws")
	if sub == nil {
		return next.HandleFinalize(ctx, in)
	}
	defer sub.Close()

	sub.SetAWS(AWSResource{
		Operation: awsmiddleware.GetOperationName(ctx),
		Region:    awsmiddleware.GetRegion(ctx),
	})
	if req, ok := in.Request.(*smithyhttp.Request); ok {
		req.Header.Set(HTTPHeader, TraceHeader{Root: sub.TraceID(), Parent: sub.ID(), Sampled: true}.String())
		sub.SetHTTPRequest(req.Method, req.URL.String())
	}

	out, md, err := next.HandleFinalize(ctx, in)
	// The raw response reaches finalize only through metadata set in the deserialize step.
	if resp, ok := awsmiddleware.GetRawResponse(md).(*smithyhttp.Response); ok && resp.Response != nil {
		sub.SetHTTPResponse(resp.StatusCode)
	}
	if err != nil {
		sub.addException(err, true)
	}
	return out, md, err
}
