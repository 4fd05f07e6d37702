package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/services"
)

// ErrInvalidRequest is returned when a request document cannot be decoded.
var ErrInvalidRequest = errors.New("invalid request")

// Ingestor is the analysis entry point served over gRPC.
type Ingestor interface {
	Analyze(ctx context.Context, source string, raw models.RawError) (*services.AnalyzeResponse, error)
}

// PatternLister exposes the registered error patterns.
type PatternLister interface {
	All() []models.ErrorPattern
}

// AnalyzeRequest is the wire shape of an Analyze call. Exactly one of Text
// and Error should be set; Error wins when both are.
type AnalyzeRequest struct {
	Source string            `json:"source"`
	Text   string            `json:"text,omitempty"`
	Error  *models.ErrorInfo `json:"error,omitempty"`
}

// ListPatternsRequest optionally narrows the listing to one category.
type ListPatternsRequest struct {
	Category models.ErrorType `json:"category,omitempty"`
}

// ListPatternsResponse carries the listed patterns.
type ListPatternsResponse struct {
	Patterns []models.ErrorPattern `json:"patterns"`
}

// Handler implements IngestServer on top of the ingestion service.
type Handler struct {
	logger   *slog.Logger
	ingest   Ingestor
	patterns PatternLister
}

// NewHandler wires a Handler. patterns may be nil.
func NewHandler(logger *slog.Logger, ingest Ingestor, patterns PatternLister) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ingest: ingest, patterns: patterns}
}

// Analyze decodes the request, runs the ingestion pipeline and encodes the response.
func (h *Handler) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in AnalyzeRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	raw, err := in.Raw()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp, err := h.ingest.Analyze(ctx, in.Source, raw)
	if err != nil {
		if errors.Is(err, services.ErrEmptyError) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		h.logger.Error("analyze failed", slog.String("source", in.Source), slog.Any("error", err))
		return nil, status.Error(codes.Internal, err.Error())
	}

	out, err := ToStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ListPatterns returns the registered patterns ordered by ID.
func (h *Handler) ListPatterns(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if h.patterns == nil {
		return nil, status.Error(codes.Unimplemented, "pattern store not configured")
	}
	var in ListPatternsRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp := ListPatternsResponse{Patterns: make([]models.ErrorPattern, 0)}
	for _, p := range h.patterns.All() {
		if in.Category != "" && p.Category != in.Category {
			continue
		}
		resp.Patterns = append(resp.Patterns, p)
	}
	sort.Slice(resp.Patterns, func(i, j int) bool { return resp.Patterns[i].ID < resp.Patterns[j].ID })

	out, err := ToStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Raw converts the request into the ingestion variant.
func (r AnalyzeRequest) Raw() (models.RawError, error) {
	switch {
	case r.Error != nil:
		return models.Structured(*r.Error), nil
	case r.Text != "":
		return models.Raw(r.Text), nil
	default:
		return models.RawError{}, fmt.Errorf("%w: text or error is required", ErrInvalidRequest)
	}
}

// NewAnalyzeRequest builds the wire request for raw.
func NewAnalyzeRequest(source string, raw models.RawError) AnalyzeRequest {
	req := AnalyzeRequest{Source: source}
	if text, ok := raw.Text(); ok {
		req.Text = text
		return req
	}
	info, _ := raw.Info()
	req.Error = &info
	return req
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return structpb.NewStruct(doc)
}

// FromStruct decodes s into v through its JSON form. A nil struct decodes as empty.
func FromStruct(s *structpb.Struct, v any) error {
	doc := map[string]any{}
	if s != nil {
		doc = s.AsMap()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
