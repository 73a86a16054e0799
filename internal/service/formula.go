package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/physical"
)

const (
	ServiceName      = "formula.v1.FormulaService"
	CompileProcedure = "/" + ServiceName + "/Compile"
	ExecuteProcedure = "/" + ServiceName + "/Execute"
)

// FormulaService exposes the engine over connect. Requests and responses
// are google.protobuf.Struct values shaped like engine.Request and
// engine.Response.
type FormulaService struct {
	engine *engine.Engine
}

func NewFormulaService(e *engine.Engine) *FormulaService {
	return &FormulaService{engine: e}
}

func (s *FormulaService) RegisterHandler(interceptors ...connect.Interceptor) (string, http.Handler) {
	opts := connect.WithInterceptors(interceptors...)
	mux := http.NewServeMux()
	mux.Handle(CompileProcedure, connect.NewUnaryHandler(CompileProcedure, s.Compile, opts))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.Execute, opts))
	return "/" + ServiceName + "/", mux
}

func (s *FormulaService) Compile(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	r, err := decodeRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	comp, err := s.engine.Compile(ctx, r)
	if err != nil {
		return nil, connectError(err)
	}

	statements := make([]map[string]any, len(comp.Plan.Queries))
	for i, q := range comp.Plan.Queries {
		statements[i] = map[string]any{
			"id":      q.ID,
			"tier":    q.Tier,
			"dialect": q.Dialect,
			"sql":     q.SQL,
			"args":    q.Args,
			"inputs":  q.Inputs,
			"table":   physical.TableName(q.ID),
		}
	}
	out, err := toStruct(map[string]any{
		"top":        comp.Plan.TopID,
		"statements": statements,
		"columns":    comp.Columns,
		"explain":    physical.Explain(comp.Plan),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("marshal plan: %w", err))
	}
	return connect.NewResponse(out), nil
}

func (s *FormulaService) Execute(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	r, err := decodeRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	resp, err := s.engine.Execute(ctx, r)
	if err != nil {
		return nil, connectError(err)
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("marshal result: %w", err))
	}
	return connect.NewResponse(out), nil
}

// ValidateRequest rejects request messages without a select list.
func ValidateRequest(msg any) error {
	st, ok := msg.(*structpb.Struct)
	if !ok {
		return nil
	}
	sel := st.GetFields()["select"].GetListValue()
	if sel == nil || len(sel.GetValues()) == 0 {
		return fmt.Errorf("request must select at least one formula")
	}
	return nil
}

func decodeRequest(msg *structpb.Struct) (*engine.Request, error) {
	data, err := json.Marshal(msg.AsMap())
	if err != nil {
		return nil, err
	}
	var r engine.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &r, nil
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func connectError(err error) *connect.Error {
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case engine.IsUserError(err):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
