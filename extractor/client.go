package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/pdfdossier/connectivity"
)

// Caller is the subset of connectivity.Router the clients need.
type Caller interface {
	Call(ctx context.Context, service string, payload []byte) ([]byte, error)
	Available(service string) error
}

// Client reaches every capability through one router. It implements
// TextExtractor, FaceDetector and ImageCaptioner directly; NER and OCR share
// the Recognize name, so they are exposed as NER() and OCR().
type Client struct {
	router Caller
}

// NewClient creates a Client over router.
func NewClient(router Caller) *Client {
	return &Client{router: router}
}

func (c *Client) available(service string) error {
	if err := c.router.Available(service); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, service, err)
	}
	return nil
}

// call marshals req, dispatches it and decodes the response into resp.
func (c *Client) call(ctx context.Context, service string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("extractor: %s: encode: %w", service, err)
	}
	out, err := c.router.Call(ctx, service, payload)
	if err != nil {
		if connectivity.IsUnroutable(err) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, service, err)
		}
		var st *connectivity.ErrHTTPStatus
		if errors.As(err, &st) && (st.Code == 400 || st.Code == 415 || st.Code == 422) {
			return fmt.Errorf("%w: %s: %v", ErrContent, service, err)
		}
		return fmt.Errorf("extractor: %s: %w", service, err)
	}
	if len(out) == 0 {
		return fmt.Errorf("%w: %s: empty response", ErrUnavailable, service)
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("extractor: %s: decode: %w", service, err)
	}
	return nil
}

// ExtractRequest is the text_extract payload.
type ExtractRequest struct {
	PDF []byte `json:"pdf"`
}

func (c *Client) Available(ctx context.Context) error { return c.available(ServiceTextExtract) }

func (c *Client) Extract(ctx context.Context, pdf []byte) (*Extraction, error) {
	var out Extraction
	if err := c.call(ctx, ServiceTextExtract, ExtractRequest{PDF: pdf}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Faces returns the face detector view of the client.
func (c *Client) Faces() FaceDetector { return faceClient{c} }

// Captioner returns the image captioner view of the client.
func (c *Client) Captioner() ImageCaptioner { return captionClient{c} }

// NER returns the entity recognizer view of the client.
func (c *Client) NER() EntityRecognizer { return nerClient{c} }

// OCR returns the OCR view of the client.
func (c *Client) OCR() OCR { return ocrClient{c} }

type imageRequest struct {
	Image []byte `json:"image"`
}

type nerClient struct{ c *Client }

func (n nerClient) Available(context.Context) error { return n.c.available(ServiceNER) }

func (n nerClient) Recognize(ctx context.Context, text string) ([]Span, error) {
	var out struct {
		Entities []Span `json:"entities"`
	}
	if err := n.c.call(ctx, ServiceNER, struct {
		Text string `json:"text"`
	}{text}, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

type faceClient struct{ c *Client }

func (f faceClient) Available(context.Context) error { return f.c.available(ServiceFaceDetect) }

func (f faceClient) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	var out struct {
		Faces []Detection `json:"faces"`
	}
	if err := f.c.call(ctx, ServiceFaceDetect, imageRequest{image}, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

type captionClient struct{ c *Client }

func (k captionClient) Available(context.Context) error { return k.c.available(ServiceImageCaption) }

func (k captionClient) Analyze(ctx context.Context, image []byte) (*Analysis, error) {
	var out Analysis
	if err := k.c.call(ctx, ServiceImageCaption, struct {
		Image      []byte   `json:"image"`
		Categories []string `json:"categories"`
	}{image, Categories}, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

type ocrClient struct{ c *Client }

func (o ocrClient) Available(context.Context) error { return o.c.available(ServiceOCR) }

func (o ocrClient) Recognize(ctx context.Context, image []byte) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := o.c.call(ctx, ServiceOCR, imageRequest{image}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}
