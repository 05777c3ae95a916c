// Package inferenceworker drains the `queue:inference` queue, invokes the
// opaque model-serving process per model-id, and publishes per-model
// replies plus a final completion barrier back to the owning connection's
// reply channel (spec.md §4.4 step 4-5, §4.5). Grounded on the teacher's
// rpc `Logic` struct shape (services/microservices/*/rpc/internal/logic)
// for the claim-one-unit-of-work-and-process shape.
package inferenceworker

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallResult is one model's outcome, independent of transport.
type CallResult struct {
	Completion   string
	Confidence   float64
	LogProbs     []float64
	GenerationMS int64
	Err          error
}

// InferenceCallable is the boundary to the external, opaque model-serving
// process (spec.md §1: "the model-serving layer itself is out of scope").
// Kept as an interface so the worker's fan-out/timeout/redaction logic is
// testable without a live model server.
type InferenceCallable interface {
	Infer(ctx context.Context, modelID int32, req CallRequest) CallResult
}

// CallRequest is the redacted, assembled prompt handed to one model.
type CallRequest struct {
	Prefix          string
	Suffix          string
	FileName        string
	SelectedText    *string
	ContextSnapshot map[string]string
	IsChat          bool
	ChatID          string
	History         []string
}

// modelInvokeMethod is the gRPC method path the opaque model-serving
// process exposes. Its .proto is vendor-specific and not distributed
// with this repo (SPEC_FULL.md §B), so rather than checking in a guessed
// set of generated message types, the request/response are carried as
// google.protobuf.Struct — a real generated proto.Message this worker
// doesn't need to invent — and the call goes through ClientConn.Invoke
// directly, the same low-level path protoc-gen-go-grpc stubs call into.
const modelInvokeMethod = "/modelserving.ModelService/Invoke"

// GRPCCallable adapts InferenceCallable to a gRPC connection carrying
// google.protobuf.Struct payloads in both directions.
type GRPCCallable struct {
	conn *grpc.ClientConn
}

// DialGRPCCallable opens a client connection to the model-serving
// endpoint named in config.WorkerConfig.ModelEndpoint.
func DialGRPCCallable(target string) (*GRPCCallable, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &GRPCCallable{conn: conn}, nil
}

func (g *GRPCCallable) Close() error { return g.conn.Close() }

func (g *GRPCCallable) Infer(ctx context.Context, modelID int32, req CallRequest) CallResult {
	fields := map[string]interface{}{
		"model_id": modelID,
		"prefix":   req.Prefix,
		"suffix":   req.Suffix,
		"is_chat":  req.IsChat,
	}
	if req.FileName != "" {
		fields["file_name"] = req.FileName
	}
	if req.SelectedText != nil {
		fields["selected_text"] = *req.SelectedText
	}
	if req.IsChat {
		fields["chat_id"] = req.ChatID
		history := make([]interface{}, len(req.History))
		for i, h := range req.History {
			history[i] = h
		}
		fields["history"] = history
	}
	if len(req.ContextSnapshot) > 0 {
		snap := make(map[string]interface{}, len(req.ContextSnapshot))
		for k, v := range req.ContextSnapshot {
			snap[k] = v
		}
		fields["context_snapshot"] = snap
	}

	input, err := structpb.NewStruct(fields)
	if err != nil {
		return CallResult{Err: err}
	}

	start := time.Now()
	output := &structpb.Struct{}
	err = g.conn.Invoke(ctx, modelInvokeMethod, input, output)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return CallResult{Err: err, GenerationMS: elapsed}
	}

	out := output.AsMap()
	result := CallResult{GenerationMS: elapsed}
	if completion, ok := out["completion"].(string); ok {
		result.Completion = completion
	}
	if confidence, ok := out["confidence"].(float64); ok {
		result.Confidence = confidence
	}
	if raw, ok := out["logprobs"].([]interface{}); ok {
		result.LogProbs = make([]float64, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				result.LogProbs = append(result.LogProbs, f)
			}
		}
	}
	return result
}
